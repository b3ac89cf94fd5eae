package redaction

import "bytes"

// Locate finds the first occurrence of each secret in transcript and returns
// its byte range. Offsets are byte offsets, so multi-byte text before a secret
// is accounted for. Secrets that do not occur, and empty secrets, are omitted.
// The result is in secret order, not sorted.
func Locate(secrets []string, transcript []byte) []ByteRange {
	return locateWith(secrets, transcript, bytes.Index)
}

// LocateFold is Locate with ASCII case-insensitive matching. Header names are
// case-insensitive on the wire, so secret header lines are matched this way.
// ASCII folding preserves byte length, so ranges stay exact.
func LocateFold(secrets []string, transcript []byte) []ByteRange {
	return locateWith(secrets, transcript, indexFold)
}

func locateWith(secrets []string, transcript []byte, index func(s, sep []byte) int) []ByteRange {
	ranges := make([]ByteRange, 0, len(secrets))
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		needle := []byte(secret)
		i := index(transcript, needle)
		if i < 0 {
			continue
		}
		ranges = append(ranges, ByteRange{Start: i, End: i + len(needle)})
	}
	return ranges
}

func indexFold(s, sep []byte) int {
	n := len(sep)
	for i := 0; i+n <= len(s); i++ {
		if equalFoldASCII(s[i:i+n], sep) {
			return i
		}
	}
	return -1
}

func equalFoldASCII(a, b []byte) bool {
	for i := range a {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
