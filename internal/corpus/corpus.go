// Package corpus loads product documents from a directory tree. Plain text is
// read verbatim; Markdown is reduced to its text through the goldmark AST.
package corpus

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/felixgeelhaar/specdesk/internal/ingest"
)

// DefaultInclude selects text and Markdown files anywhere under the root.
var DefaultInclude = []string{"**/*.txt", "**/*.md"}

// Load reads every file under dir matching one of the include patterns, in
// lexical path order. Document IDs are slash-separated paths relative to dir.
func Load(dir string, include []string) ([]ingest.Document, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("corpus directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("corpus directory: %s is not a directory", dir)
	}
	return LoadFS(os.DirFS(dir), dir, include)
}

// LoadFS is Load over an arbitrary file system. root is only used to build
// each document's Source.
func LoadFS(fsys fs.FS, root string, include []string) ([]ingest.Document, error) {
	if len(include) == 0 {
		include = DefaultInclude
	}

	seen := make(map[string]struct{})
	var paths []string
	for _, pattern := range include {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid include pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			paths = append(paths, m)
		}
	}
	sort.Strings(paths)

	docs := make([]ingest.Document, 0, len(paths))
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}

		format := "text"
		text := string(data)
		if isMarkdown(p) {
			format = "markdown"
			text = MarkdownToText(data)
		}
		docs = append(docs, ingest.Document{
			ID:     p,
			Text:   text,
			Source: filepath.Join(root, filepath.FromSlash(p)),
			Metadata: map[string]string{
				"source": p,
				"format": format,
			},
		})
	}
	return docs, nil
}

func isMarkdown(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".markdown":
		return true
	}
	return false
}
