package knowledge

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// passage is one retrievable slice of a source document.
type passage struct {
	source string
	body   string
}

var extractors = map[string]func(path string) (string, error){
	".md":  readPlain,
	".txt": readPlain,
	".pdf": readPDF,
}

// loadPassages extracts and chunks every supported file directly under dir.
// os.ReadDir sorts by name, so the index order is stable across restarts.
func loadPassages(dir string, c chunker) ([]passage, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []passage
	for _, entry := range entries {
		extract, ok := extractors[strings.ToLower(filepath.Ext(entry.Name()))]
		if entry.IsDir() || !ok {
			continue
		}

		text, err := extract(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("extract %q: %w", entry.Name(), err)
		}
		for _, body := range c.split(text) {
			out = append(out, passage{source: entry.Name(), body: body})
		}
	}
	return out, nil
}

func readPlain(path string) (string, error) {
	raw, err := os.ReadFile(path)
	return string(raw), err
}

func readPDF(path string) (string, error) {
	f, doc, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}
