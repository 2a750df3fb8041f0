package normalize

import (
	"strings"

	"golang.org/x/net/html"
)

// skipElements are elements whose text content is discarded.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true, "title": true,
}

// blockElements end a line of text.
var blockElements = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"pre": true, "table": true, "tr": true, "section": true, "article": true,
	"header": true, "footer": true, "ul": true, "ol": true, "hr": true,
}

// htmlText extracts readable text from an HTML body. Block elements and
// <br> become line breaks and <img alt> text is kept. An http(s) link
// target follows its anchor text in parentheses unless the text already
// is the target.
func htmlText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	skip := 0

	type anchor struct {
		href  string
		start int
	}
	var anchors []anchor

	newline := func() {
		s := b.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			b.WriteByte('\n')
		}
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			name := string(tn)
			switch {
			case skipElements[name]:
				skip++
			case name == "br" || blockElements[name]:
				newline()
			case name == "img" && hasAttr && skip == 0:
				if alt := attr(z, "alt"); alt != "" {
					b.WriteString(alt)
				}
			case name == "a" && skip == 0:
				href := ""
				if hasAttr {
					href = strings.TrimSpace(attr(z, "href"))
				}
				anchors = append(anchors, anchor{href: href, start: b.Len()})
			}

		case html.EndTagToken:
			tn, _ := z.TagName()
			name := string(tn)
			if skipElements[name] && skip > 0 {
				skip--
			}
			if name == "a" && len(anchors) > 0 {
				a := anchors[len(anchors)-1]
				anchors = anchors[:len(anchors)-1]
				text := strings.TrimSpace(b.String()[a.start:])
				if isWebURL(a.href) && text != a.href {
					b.WriteString(" (" + a.href + ")")
				}
			}
			if blockElements[name] {
				newline()
			}

		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isWebURL(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

func attr(z *html.Tokenizer, key string) string {
	for {
		k, v, more := z.TagAttr()
		if string(k) == key {
			return string(v)
		}
		if !more {
			return ""
		}
	}
}
