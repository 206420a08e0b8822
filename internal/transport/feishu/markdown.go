package feishu

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	markdownWrapRe = regexp.MustCompile(`(?is)^` + "```" + `(?:markdown|md)?\s*\n([\s\S]*?)\n` + "```" + `$`)
	fenceRe        = regexp.MustCompile(`^` + "```" + `[A-Za-z0-9_+-]*\s*$`)
	headingRe      = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	atTagRe        = regexp.MustCompile(`(?is)<at[^>]*>.*?</at>`)
)

// AdaptMarkdown rewrites common markdown into the subset lark_md renders
// reliably: language-tagged fences become plain fences and headings
// become bold lines. The first H1 is lifted out as a card title.
func AdaptMarkdown(markdown string) (title, body string) {
	if markdown == "" {
		return "", markdown
	}

	// Some model outputs wrap the whole reply in a ```markdown fence.
	// Unwrap it so the content renders as markdown rather than code.
	if m := markdownWrapRe.FindStringSubmatch(strings.TrimSpace(markdown)); m != nil {
		markdown = strings.TrimSpace(m[1])
	}

	var out []string
	inCode := false
	for _, line := range strings.Split(markdown, "\n") {
		stripped := strings.TrimSpace(line)
		if fenceRe.MatchString(stripped) {
			inCode = !inCode
			out = append(out, "```")
			continue
		}
		if inCode {
			out = append(out, line)
			continue
		}
		if m := headingRe.FindStringSubmatch(stripped); m != nil {
			heading := strings.TrimSpace(m[2])
			if heading == "" {
				continue
			}
			if title == "" && len(m[1]) == 1 {
				title = truncateRunes(heading, 80)
			}
			out = append(out, "**"+heading+"**")
			continue
		}
		out = append(out, line)
	}

	body = strings.TrimSpace(strings.Join(out, "\n"))
	if body == "" {
		body = markdown
	}
	return title, body
}

// ParseTextContent extracts the plain text of an inbound message.
// Content arrives as a JSON document {"text": "..."} with bot mentions
// embedded as <at> tags, which are stripped.
func ParseTextContent(raw string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return ""
	}
	text := atTagRe.ReplaceAllString(parsed.Text, "")
	return strings.TrimSpace(text)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
