// Package blocklist filters downloads by TTH (Tiger Tree Hash) against a set
// of named, independently toggleable blocklist sources. Sources are JSON
// files in a watched directory; some are mirrored from remote raw-file URLs.
// The package owns the in-memory membership set and keeps it reconciled
// against disk and remote origins with no downtime for readers.
package blocklist

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blocklist")

// InternalOrigin marks the single writable source in the url field of its
// file. It is never fetched.
const InternalOrigin = "Internal"

// WritableSourceName is the fixed name of the one source editable through
// Editor.Append. All other sources are read-only between rescans.
const WritableSourceName = "personal"

// Notifier receives user-visible events: blocked downloads, broken sources,
// exhausted remote fetches. The embedding host decides how to surface them.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Info(string)  {}
func (NopNotifier) Error(string) {}

// LogNotifier routes notifications to the package logger. Used by the
// standalone daemon, where there is no host UI to notify.
type LogNotifier struct{}

func (LogNotifier) Info(msg string)  { log.Infof("%s", msg) }
func (LogNotifier) Error(msg string) { log.Errorf("%s", msg) }

// Settings is the externally controlled configuration the core consumes:
// which sources are enabled and how often remote mirrors are refreshed.
// Implementations must be safe for concurrent use.
type Settings interface {
	// SourceEnabled reports whether the named source contributes to the
	// aggregate set. Unknown names default to enabled.
	SourceEnabled(name string) bool
	// UpdateInterval returns the remote refresh interval. Values under one
	// minute are raised to one minute.
	UpdateInterval() time.Duration
}

const minUpdateInterval = time.Minute

// defaultSettings is used when no Settings implementation is supplied:
// every source enabled, hourly refresh.
type defaultSettings struct{}

func (defaultSettings) SourceEnabled(string) bool { return true }

func (defaultSettings) UpdateInterval() time.Duration { return time.Hour }
