package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/halbridge/halbridge/internal/config"
	"github.com/halbridge/halbridge/pkg/models"
)

const (
	defaultChunkSize = 20000
	maxSearchResults = 200
)

var searchExtensions = map[string]bool{
	".go": true, ".py": true, ".json": true, ".txt": true, ".md": true, ".yaml": true, ".yml": true,
}

// Files implements the file helpers. Every path is resolved against the
// configured roots; anything that escapes them is refused.
type Files struct {
	roots    []string
	maxBytes int64
}

// NewFiles creates the file helpers. Roots are cleaned and made absolute.
func NewFiles(cfg config.FilesConfig) *Files {
	f := &Files{maxBytes: cfg.MaxBytes}
	if f.maxBytes <= 0 {
		f.maxBytes = 1 << 20
	}
	for _, r := range cfg.Roots {
		if abs, err := filepath.Abs(expandHome(r)); err == nil {
			f.roots = append(f.roots, abs)
		}
	}
	return f
}

// Read implements file.read.
func (f *Files) Read(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	path, res := f.resolve(argString(inv.Args, "path"))
	if res != nil {
		return res, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	truncated := int64(len(data)) > f.maxBytes
	if truncated {
		data = data[:f.maxBytes]
	}
	return done(map[string]any{
		"path":      path,
		"content":   string(data),
		"bytes":     len(data),
		"truncated": truncated,
		"message":   fmt.Sprintf("%s: %s", filepath.Base(path), excerpt(string(data), 280)),
	}), nil
}

// Chunk implements file.chunk: size bytes starting at offset.
func (f *Files) Chunk(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	path, res := f.resolve(argString(inv.Args, "path"))
	if res != nil {
		return res, nil
	}
	offset := argInt(inv.Args, "offset", 0)
	size := argInt(inv.Args, "size", defaultChunkSize)
	if offset < 0 || size <= 0 {
		return refused("invalid chunk offset=%d size=%d", offset, size), nil
	}
	if size > f.maxBytes {
		size = f.maxBytes
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.NewSectionReader(file, offset, size))
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	return done(map[string]any{
		"path":    path,
		"offset":  offset,
		"size":    len(data),
		"content": string(data),
		"eof":     offset+int64(len(data)) >= info.Size(),
		"message": fmt.Sprintf("%s [%d:%d]: %s", filepath.Base(path), offset, offset+int64(len(data)), excerpt(string(data), 280)),
	}), nil
}

// Write implements file.write. Parent directories are created.
func (f *Files) Write(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	path, res := f.resolve(argString(inv.Args, "path"))
	if res != nil {
		return res, nil
	}
	content, _ := inv.Args["content"].(string)
	if int64(len(content)) > f.maxBytes {
		return refused("content exceeds %d bytes", f.maxBytes), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return done(map[string]any{
		"path":    path,
		"bytes":   len(content),
		"message": fmt.Sprintf("Wrote %d bytes to %s.", len(content), path),
	}), nil
}

// List implements file.list; entries are sorted by name.
func (f *Files) List(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	path, res := f.resolve(orDot(argString(inv.Args, "path")))
	if res != nil {
		return res, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		typ := "file"
		if e.IsDir() {
			typ = "dir"
		}
		items = append(items, map[string]any{"name": e.Name(), "type": typ})
		names = append(names, e.Name())
	}
	return done(map[string]any{
		"path":    path,
		"items":   items,
		"message": fmt.Sprintf("%d entries in %s: %s", len(items), path, excerpt(strings.Join(names, ", "), 280)),
	}), nil
}

// Search implements file.search: a case-insensitive regular expression over
// text files below path.
func (f *Files) Search(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	path, res := f.resolve(orDot(argString(inv.Args, "path")))
	if res != nil {
		return res, nil
	}
	pattern := argString(inv.Args, "pattern")
	if pattern == "" {
		return refused("no search pattern given"), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(pattern))
	}

	var results []map[string]any
	errLimit := errors.New("result limit reached")
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !searchExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > f.maxBytes {
			return nil
		}
		return grepFile(p, re, func(line int, text string) bool {
			results = append(results, map[string]any{"file": p, "line": line, "match": strings.TrimSpace(text)})
			return len(results) < maxSearchResults
		}, errLimit)
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return nil, walkErr
	}

	return done(map[string]any{
		"path":    path,
		"pattern": pattern,
		"results": results,
		"count":   len(results),
		"message": fmt.Sprintf("%d matches for %q in %s.", len(results), pattern, path),
	}), nil
}

// grepFile calls emit for each matching line; emit returning false stops
// the walk with stop.
func grepFile(path string, re *regexp.Regexp, emit func(line int, text string) bool, stop error) error {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		if re.MatchString(sc.Text()) && !emit(n, sc.Text()) {
			return stop
		}
	}
	return nil
}

// resolve expands ~, anchors relative paths at the first root and refuses
// paths outside every root.
func (f *Files) resolve(raw string) (string, *models.HandlerResult) {
	if raw == "" {
		return "", refused("no path given")
	}
	if len(f.roots) == 0 {
		return "", refused("no file roots configured")
	}
	p := expandHome(raw)
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.roots[0], p)
	}
	p = filepath.Clean(p)
	for _, root := range f.roots {
		rel, err := filepath.Rel(root, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return p, nil
		}
	}
	return "", refused("path %s is outside the allowed roots", p)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func orDot(p string) string {
	if p == "" {
		return "."
	}
	return p
}
