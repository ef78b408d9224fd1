package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"redaction-pipeline/internal/detect"
)

// ParseFindings reads a model response into findings with byte offsets into text.
// Markdown fences and surrounding prose are tolerated. Offsets are re-derived
// from the entity text when the model's character offsets do not line up.
func ParseFindings(raw, text string) ([]detect.Finding, error) {
	body, ok := extractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON found", detect.ErrMalformed)
	}
	list := gjson.Parse(body)
	if list.IsObject() {
		list = list.Get("entities")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: expected an array of entities", detect.ErrMalformed)
	}

	runeToByte := runeOffsets(text)
	var out []detect.Finding
	list.ForEach(func(_, item gjson.Result) bool {
		typ := item.Get("type").String()
		if typ == "" {
			typ = item.Get("category").String()
		}
		entityText := item.Get("text").String()
		if typ == "" {
			return true
		}

		start, end, ok := locate(text, entityText, runeToByte, int(item.Get("start").Int()), int(item.Get("end").Int()))
		if !ok {
			return true
		}
		conf := 0.5
		if c := item.Get("confidence"); c.Exists() {
			conf = c.Float()
		}
		out = append(out, detect.Finding{
			Type:       strings.ToUpper(strings.TrimSpace(typ)),
			Text:       text[start:end],
			Start:      start,
			End:        end,
			Confidence: conf,
		})
		return true
	})
	return out, nil
}

func extractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.TrimSpace(s)
	if gjson.Valid(s) {
		return s, true
	}
	for _, pair := range [][2]string{{"[", "]"}, {"{", "}"}} {
		i, j := strings.Index(s, pair[0]), strings.LastIndex(s, pair[1])
		if i >= 0 && j > i && gjson.Valid(s[i:j+1]) {
			return s[i : j+1], true
		}
	}
	return "", false
}

// runeOffsets maps a character index to its byte offset; the extra final entry is len(text).
func runeOffsets(text string) []int {
	out := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		out = append(out, i)
	}
	return append(out, len(text))
}

func locate(text, entityText string, runeToByte []int, start, end int) (int, int, bool) {
	if start >= 0 && end > start && end < len(runeToByte) {
		bs, be := runeToByte[start], runeToByte[end]
		if entityText == "" || text[bs:be] == entityText {
			return bs, be, true
		}
	}
	if entityText == "" {
		return 0, 0, false
	}

	hint := 0
	if start >= 0 && start < len(runeToByte) {
		hint = runeToByte[start]
	}
	best, bestDist := -1, -1
	for from := 0; from <= len(text); {
		i := strings.Index(text[from:], entityText)
		if i < 0 {
			break
		}
		pos := from + i
		d := pos - hint
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = pos, d
		}
		from = pos + 1
	}
	if best < 0 {
		return 0, 0, false
	}
	return best, best + len(entityText), true
}
