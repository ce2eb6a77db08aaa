package cache

import "unicode/utf8"

// DefaultChunkSize is the replay chunk length in runes. Sized to feel like
// live token streaming rather than one large paste.
const DefaultChunkSize = 24

// Chunks splits answer text for streamed replay of a cached response, so the
// client sees the same incremental delivery as a live generation. Splits
// never land inside a multi-byte rune.
func Chunks(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if text == "" {
		return nil
	}

	var chunks []string
	current := make([]rune, 0, size)
	for len(text) > 0 {
		r, n := utf8.DecodeRuneInString(text)
		text = text[n:]
		current = append(current, r)
		if len(current) == size {
			chunks = append(chunks, string(current))
			current = current[:0]
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}
