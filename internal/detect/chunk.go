package detect

import (
	"unicode"
	"unicode/utf8"
)

type chunk struct {
	offset int
	text   string
}

// split cuts text into pieces of at most size bytes that overlap by roughly
// overlap bytes. Cuts prefer whitespace and never split a UTF-8 sequence.
func split(text string, size, overlap int) []chunk {
	if size <= 0 || len(text) <= size {
		return []chunk{{offset: 0, text: text}}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var out []chunk
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			out = append(out, chunk{offset: start, text: text[start:]})
			break
		}
		end = cutPoint(text, start, end)
		out = append(out, chunk{offset: start, text: text[start:end]})

		next := end - overlap
		if next <= start {
			next = end
		}
		start = min(alignForward(text, next), end)
	}
	return out
}

// cutPoint walks back from end to the nearest whitespace after start.
func cutPoint(text string, start, end int) int {
	for i := end; i > start; {
		r, n := utf8.DecodeLastRuneInString(text[:i])
		if unicode.IsSpace(r) {
			return i
		}
		i -= n
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return end
}

// alignForward moves i to the start of the next word so overlapping chunks
// do not begin mid-token.
func alignForward(text string, i int) int {
	for i < len(text) && !utf8.RuneStart(text[i]) {
		i++
	}
	if i == 0 {
		return i
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:i])
	if unicode.IsSpace(prev) {
		return i
	}
	for i < len(text) {
		r, n := utf8.DecodeRuneInString(text[i:])
		i += n
		if unicode.IsSpace(r) {
			return i
		}
	}
	return i
}
