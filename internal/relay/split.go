package relay

import "strings"

// Split breaks text into chunks of at most max runes, preferring paragraph
// boundaries. Paragraphs that fit together are kept together; a single
// paragraph longer than max is hard-wrapped. max <= 0 disables splitting.
func Split(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 || len([]rune(text)) <= max {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		runes := []rune(para)

		// Hard-wrap a paragraph that cannot fit in any chunk.
		if len(runes) > max {
			flush()
			for len(runes) > max {
				chunks = append(chunks, string(runes[:max]))
				runes = runes[max:]
			}
			if len(runes) > 0 {
				current.WriteString(string(runes))
				currentLen = len(runes)
			}
			continue
		}

		// +2 for the paragraph separator when appending to a chunk.
		need := len(runes)
		if currentLen > 0 {
			need += 2
		}
		if currentLen+need > max {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(para)
		currentLen += len(runes)
	}
	flush()

	return chunks
}
