package knowledge

import (
	"strings"
	"unicode/utf8"
)

// chunker cuts document text into passages of at most maxLen bytes.
//
// Markdown headings start a new section and passages never span two
// sections. Inside a section, blank-line separated paragraphs are packed
// together while they fit. A paragraph that does not fit on its own is
// wrapped at word boundaries, and a single word longer than maxLen is cut
// at a rune boundary.
type chunker struct {
	maxLen int
}

func (c chunker) split(text string) []string {
	var out []string
	for _, section := range sections(strings.ReplaceAll(text, "\r\n", "\n")) {
		out = c.pack(out, section)
	}
	return out
}

// sections splits text before every line that opens with a Markdown heading.
func sections(text string) []string {
	var out []string
	var cur strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		if strings.HasPrefix(line, "#") && cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (c chunker) pack(out []string, section string) []string {
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, para := range strings.Split(section, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > c.maxLen {
			flush()
			out = append(out, c.wrap(para)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len("\n\n")+len(para) > c.maxLen {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

// wrap breaks an oversized paragraph into space-joined runs of words.
func (c chunker) wrap(para string) []string {
	var out []string
	var cur strings.Builder
	for _, word := range strings.Fields(para) {
		for len(word) > c.maxLen {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			cut := runeCut(word, c.maxLen)
			out = append(out, word[:cut])
			word = word[cut:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(word) > c.maxLen {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// runeCut returns the largest index <= n that does not split a rune.
func runeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	if n == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return n
}
