package mpesa

import (
	"fmt"
	"regexp"
	"strings"
)

var canonicalPhone = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone canonicalizes a Kenyan mobile number to 254XXXXXXXXX.
// Accepted inputs: 0712345678, +254712345678, 254712345678, 712345678 and
// the same forms for the 01xx range. Spaces, dashes and dots are ignored.
func NormalizePhone(raw string) (string, error) {
	p := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	p = strings.TrimPrefix(p, "+")

	switch {
	case strings.HasPrefix(p, "254"):
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case len(p) == 9 && (p[0] == '7' || p[0] == '1'):
		p = "254" + p
	}

	if !canonicalPhone.MatchString(p) {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	return p, nil
}
