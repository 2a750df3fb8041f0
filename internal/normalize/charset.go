package normalize

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// decodeCharset converts body bytes in the declared charset to UTF-8.
// An empty charset means us-ascii. Unknown charsets and invalid UTF-8 fall
// back to Latin-1, which cannot fail.
func decodeCharset(data []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		if utf8.Valid(data) {
			return string(data)
		}
		return latin1(data)
	}

	enc := lookupEncoding(charset)
	if enc == nil {
		if utf8.Valid(data) {
			return string(data)
		}
		return latin1(data)
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return latin1(data)
	}
	return string(out)
}

func lookupEncoding(charset string) encoding.Encoding {
	switch charset {
	case "latin1", "latin-1":
		return charmap.ISO8859_1
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil
	}
	return enc
}

func latin1(data []byte) string {
	out, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), data)
	if err != nil {
		return string(data)
	}
	return string(out)
}
