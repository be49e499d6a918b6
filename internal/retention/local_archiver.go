package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalFileArchiver writes expired records as JSONL files to a local directory.
//
// Directory structure:
//
//	{basePath}/results/2026-02-20T15-04-05.000Z.jsonl[.gz]
//	{basePath}/sessions/2026-02-20T15-04-05.000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.halbridge/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "halbridge", "archive")
		} else {
			basePath = filepath.Join(home, ".halbridge", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) Archive(_ context.Context, collection string, records []any) (string, error) {
	dir := filepath.Join(a.basePath, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05.000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	var w io.Writer = f
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		w = gw
	}

	enc := json.NewEncoder(w)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			os.Remove(fpath)
			return "", fmt.Errorf("encode %s record %d: %w", collection, i, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			os.Remove(fpath)
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(fpath)
		return "", fmt.Errorf("close archive: %w", err)
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(records)).
		Str("collection", collection).
		Msg("Archived records to local file")

	return fpath, nil
}
