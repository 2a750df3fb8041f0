package normalize

import (
	"regexp"
	"strings"
	"unicode"
)

// Rule is one text cleaning step. Every rule is idempotent on its own.
type Rule struct {
	Name  string
	Apply func(string) string
}

// Rules are applied in this order by Clean.
var Rules = []Rule{
	{Name: "strip-invisible", Apply: stripInvisible},
	{Name: "unwrap-angle-urls", Apply: unwrapAngleURLs},
	{Name: "remove-image-placeholders", Apply: removeImagePlaceholders},
	{Name: "remove-footers", Apply: removeFooters},
	{Name: "collapse-repeated-urls", Apply: collapseRepeatedURLs},
	{Name: "collapse-whitespace", Apply: collapseWhitespace},
}

// maxCleanPasses bounds Clean's fixed-point loop. Every rule only removes
// or narrows text, so real input settles in one or two passes.
const maxCleanPasses = 8

// Clean applies Rules in order until the text stops changing, so
// Clean(Clean(s)) == Clean(s).
func Clean(s string) string {
	for range maxCleanPasses {
		next := s
		for _, r := range Rules {
			next = r.Apply(next)
		}
		if next == s {
			break
		}
		s = next
	}
	return s
}

// stripInvisible removes zero-width and other format characters and turns
// non-breaking spaces into plain spaces. Line endings become \n.
func stripInvisible(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\u00a0' || r == '\u202f' || r == '\u2007':
			return ' '
		case r == '\r':
			return '\n'
		case r == '\n' || r == '\t':
			return r
		case r == '\u034f' || r == '\u115f' || r == '\u1160' || r == '\u3164':
			return -1
		case unicode.Is(unicode.Cf, r), unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

var angleURLPattern = regexp.MustCompile(`<+(https?://[^<>\s]+)>+`)

func unwrapAngleURLs(s string) string {
	return angleURLPattern.ReplaceAllString(s, "$1")
}

var imagePlaceholderPattern = regexp.MustCompile(`(?i)\[(?:image|img|cid|inline image)\s*:?[^\[\]\n]*\]`)

func removeImagePlaceholders(s string) string {
	for {
		next := imagePlaceholderPattern.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}

var footerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^sent from my \S+`),
	regexp.MustCompile(`(?i)^get outlook for \S+`),
	regexp.MustCompile(`(?i)\bunsubscribe\b`),
	regexp.MustCompile(`(?i)you (are|were) receiving this (e-?mail|message)`),
	regexp.MustCompile(`(?i)this (e-?mail|message) was sent to\b`),
	regexp.MustCompile(`(?i)view (this (e-?mail|message) )?in (your|a) (web )?browser`),
	regexp.MustCompile(`(?i)(manage|update) (your )?(e-?mail |notification |subscription )?preferences`),
	regexp.MustCompile(`(?i)^(©|\(c\)|copyright)\s*\d{4}`),
}

// removeFooters drops whole lines that match known boilerplate.
func removeFooters(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isFooter(trimmed) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isFooter(line string) bool {
	if line == "" {
		return false
	}
	for _, p := range footerPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>]+`)

// collapseRepeatedURLs drops a URL that repeats the one before it with only
// whitespace in between.
func collapseRepeatedURLs(s string) string {
	locs := urlPattern.FindAllStringIndex(s, -1)
	if len(locs) < 2 {
		return s
	}
	var b strings.Builder
	last := 0
	prevURL, prevEnd := "", -1
	for _, loc := range locs {
		u := s[loc[0]:loc[1]]
		if prevEnd >= 0 && u == prevURL && strings.TrimSpace(s[prevEnd:loc[0]]) == "" {
			b.WriteString(s[last:prevEnd])
			last = loc[1]
			prevEnd = loc[1]
			continue
		}
		prevURL, prevEnd = u, loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// collapseWhitespace squeezes runs of spaces, trims each line, and keeps at
// most one blank line between paragraphs.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
