package subscription

import (
	"encoding/base64"
	"strings"
)

// decodeBase64Auto tries the three base64 variants decode_base64_auto
// tries, in the same order, returning the first one that decodes cleanly.
func decodeBase64Auto(input string) (string, bool) {
	clean := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, input)

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawURLEncoding,
		base64.URLEncoding,
	} {
		if b, err := enc.DecodeString(clean); err == nil {
			return string(b), true
		}
	}
	return "", false
}
