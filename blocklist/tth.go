package blocklist

// tthLength is the length of a base32-encoded Tiger Tree Hash.
const tthLength = 39

// IsValidTTH reports whether s is a well-formed TTH: exactly 39 characters
// over the base32 alphabet A-Z2-7. It says nothing about whether any file
// actually hashes to s.
func IsValidTTH(s string) bool {
	if len(s) != tthLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}
