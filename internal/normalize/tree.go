package normalize

import (
	"encoding/base64"
	"mime"
	"strings"

	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
)

// MaxDepth bounds body-tree nesting. Deeper subtrees are dropped.
const MaxDepth = 32

// Node is a body tree node: a Leaf or a Container.
type Node interface {
	node()
}

// Leaf is a single body part.
type Leaf struct {
	MimeType string
	Charset  string
	Filename string
	// Data is base64url encoded.
	Data string
}

// Container is a multipart node.
type Container struct {
	MimeType string
	Children []Node
}

func (Leaf) node()      {}
func (Container) node() {}

// Tree converts a provider part into a body tree no deeper than MaxDepth.
func Tree(p *gmail.Part) Node {
	return tree(p, 0)
}

func tree(p *gmail.Part, depth int) Node {
	if p == nil || depth >= MaxDepth {
		return nil
	}
	mimeType, charset := contentType(p)
	if len(p.Parts) > 0 || strings.HasPrefix(mimeType, "multipart/") {
		c := Container{MimeType: mimeType}
		for _, child := range p.Parts {
			if n := tree(child, depth+1); n != nil {
				c.Children = append(c.Children, n)
			}
		}
		return c
	}
	return Leaf{MimeType: mimeType, Charset: charset, Filename: p.Filename, Data: p.Data}
}

// contentType prefers the part's Content-Type header, which carries the
// charset, over the provider's bare mimeType field.
func contentType(p *gmail.Part) (mimeType, charset string) {
	mimeType = strings.ToLower(p.MimeType)
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, "Content-Type") {
			continue
		}
		mt, params, err := mime.ParseMediaType(h.Value)
		if err != nil {
			break
		}
		if mimeType == "" {
			mimeType = mt
		}
		charset = params["charset"]
		break
	}
	return mimeType, charset
}

// firstLeaf returns the first leaf, depth-first, that match accepts.
func firstLeaf(n Node, match func(Leaf) bool) (Leaf, bool) {
	switch v := n.(type) {
	case Leaf:
		if match(v) {
			return v, true
		}
	case Container:
		for _, child := range v.Children {
			if leaf, ok := firstLeaf(child, match); ok {
				return leaf, true
			}
		}
	}
	return Leaf{}, false
}

// isBody reports whether leaf is an inline part of the given type with
// content.
func isBody(mimeType string) func(Leaf) bool {
	return func(l Leaf) bool {
		return l.MimeType == mimeType && l.Filename == "" && l.Data != ""
	}
}

// decodeData decodes the provider's base64url payload, padded or not.
func decodeData(data string) ([]byte, bool) {
	trimmed := strings.TrimRight(data, "=")
	if b, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return b, true
	}
	if b, err := base64.RawStdEncoding.DecodeString(trimmed); err == nil {
		return b, true
	}
	return nil, false
}
