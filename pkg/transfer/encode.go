package transfer

import (
	"fmt"
	"net/url"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// EncodeURL validates rawURL and percent-encodes everything after the authority, leaving unreserved characters,
// ':' and '/' alone. Escapes that are already valid are kept as they are, so encoding twice is a no-op.
func EncodeURL(rawURL string) (*url.URL, error) {
	prefix, rest := splitAuthority(rawURL)
	encoded := prefix + escape(rest)
	u, err := url.Parse(encoded)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}
	return u, nil
}

// splitAuthority returns "scheme://authority" and the remainder, or "" and the whole input when there is no
// authority.
func splitAuthority(rawURL string) (string, string) {
	i := strings.Index(rawURL, "://")
	if i <= 0 {
		return "", rawURL
	}
	end := strings.IndexAny(rawURL[i+3:], "/?#")
	if end < 0 {
		return rawURL, ""
	}
	end += i + 3
	return rawURL[:end], rawURL[end:]
}

func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case keep(c):
			b.WriteByte(c)
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		}
	}
	return b.String()
}

func keep(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '~', ':', '/':
		return true
	}
	return false
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}
