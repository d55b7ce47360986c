package workspace

import (
	"strings"

	"github.com/google/uuid"
)

// Block is one editor block as stored in nodes.content.
type Block = map[string]any

// NewParagraphBlock builds a plain paragraph block holding text.
func NewParagraphBlock(text string) Block {
	return Block{
		"id":   uuid.New().String(),
		"type": "paragraph",
		"props": map[string]any{
			"textColor":       "default",
			"backgroundColor": "default",
			"textAlignment":   "left",
		},
		"content": []any{
			map[string]any{"type": "text", "text": text, "styles": map[string]any{}},
		},
		"children": []any{},
	}
}

// BlocksText flattens the inline text of blocks and their children.
func BlocksText(blocks []Block) string {
	var parts []string
	var walk func(any)
	walk = func(v any) {
		switch b := v.(type) {
		case map[string]any:
			if t, ok := b["text"].(string); ok && t != "" {
				parts = append(parts, t)
			}
			walk(b["content"])
			walk(b["children"])
		case []any:
			for _, c := range b {
				walk(c)
			}
		case []map[string]any:
			for _, c := range b {
				walk(c)
			}
		}
	}
	for _, b := range blocks {
		walk(b)
	}
	return strings.Join(parts, " ")
}

// SearchText is the text indexed for a node: its title followed by block text.
func SearchText(title string, blocks []Block) string {
	body := BlocksText(blocks)
	switch {
	case body == "":
		return title
	case title == "":
		return body
	}
	return title + " " + body
}
