// Package transport holds helpers shared by the chat front ends.
package transport

import "strings"

// SplitMessage breaks text into chunks for platforms with a message size
// cap. It prefers to cut at a newline once a chunk reaches soft runes,
// and hard-splits any run that would exceed hard runes. Chunk sizes are
// counted in runes since both platforms count characters, not bytes.
func SplitMessage(text string, soft, hard int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= hard {
		return []string{text}
	}

	var chunks []string
	var cur []rune
	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		// A single oversized line gets hard-split on its own.
		for len(runes) > hard {
			flush()
			chunks = append(chunks, string(runes[:hard]))
			runes = runes[hard:]
		}
		if len(cur) > 0 && len(cur)+1+len(runes) > soft {
			flush()
		}
		if len(cur) > 0 {
			cur = append(cur, '\n')
		}
		cur = append(cur, runes...)
	}
	flush()
	return chunks
}
