package types

// ContentBlock is one block of prompt or response content. Only text blocks
// carry payload this engine interprets; other kinds pass through untouched.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Resource link fields, passed through for clients that send them.
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// JoinedText concatenates the text of all text blocks, newline separated.
func JoinedText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}
