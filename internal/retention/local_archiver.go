package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/pkg/models"
)

// LocalFileArchiver writes archived notification history as JSONL files to
// a local directory.
//
// Directory structure:
//
//	{basePath}/{user}/{instance}/notifications/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.agentserver/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/agentserver/archive"
		} else {
			basePath = filepath.Join(home, ".agentserver", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress, now: func() time.Time { return time.Now().UTC() }}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// ArchiveNotifications writes recs to a new file and returns its path.
func (a *LocalFileArchiver) ArchiveNotifications(_ context.Context, user, instance string, recs []models.NotificationHistoryRecord) (string, error) {
	dir := filepath.Join(a.basePath, user, instance, "notifications")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := a.now().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		enc = json.NewEncoder(gw)
	}

	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("encode notification record %d: %w", r.Seq, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(recs)).
		Str("user", user).
		Str("instance", instance).
		Msg("Archived notification history to local file")

	return fpath, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	// Verify we can write to the base path
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}

// ReadArchive decodes one archive file written by ArchiveNotifications.
func ReadArchive(path string) ([]models.NotificationHistoryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if filepath.Ext(path) == ".gz" {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip archive: %w", err)
		}
		defer gr.Close()
		dec = json.NewDecoder(gr)
	}
	var out []models.NotificationHistoryRecord
	for dec.More() {
		var r models.NotificationHistoryRecord
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("decode archive: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
