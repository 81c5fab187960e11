// Package retention keeps instance notification logs bounded. A janitor
// periodically moves the records beyond a per-instance hot limit out of the
// live instance into an archive backend.
//
// Archive modes:
//   - archive-and-purge: archive, then drop from the instance (default when
//     an archiver is registered)
//   - purge-only:        drop without archiving (default otherwise)
//
// Archive failures are fail-safe: records are NOT dropped if archiving
// fails. Sequence numbers stay monotonic because the instance keeps its
// counter when old records leave.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/pkg/models"
)

// DefaultHistoryLimit is the number of notification records each instance
// keeps in the hot store.
const DefaultHistoryLimit = 100

// Archiver is a pluggable archive backend.
type Archiver interface {
	Kind() string
	ArchiveNotifications(ctx context.Context, user, instance string, recs []models.NotificationHistoryRecord) (string, error)
	HealthCheck(ctx context.Context) error
}

// HistorySource moves old notification records out of live instances.
// *instance.Manager implements it.
type HistorySource interface {
	ArchiveHistory(ctx context.Context, keep int, sink func(ctx context.Context, user, name string, recs []models.NotificationHistoryRecord) error) (int, error)
}

// ArchiveRecord describes one archive write.
type ArchiveRecord struct {
	ID          string    `json:"id"`
	User        string    `json:"user"`
	Instance    string    `json:"instance"`
	RecordCount int       `json:"record_count"`
	Backend     string    `json:"backend"`
	URI         string    `json:"uri"`
	FirstSeq    int64     `json:"first_seq"`
	LastSeq     int64     `json:"last_seq"`
	CreatedAt   time.Time `json:"created_at"`
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Moved          int
	ArchiveRecords []ArchiveRecord
	Errors         []error
}

// Janitor periodically archives notification history.
type Janitor struct {
	source   HistorySource
	interval time.Duration
	keep     int

	// archivers is a registry of pluggable archive backends.
	archivers map[string]Archiver
	driverMu  sync.RWMutex

	// defaultBackend receives the records; empty means purge-only.
	defaultBackend string
}

// NewJanitor creates a janitor that runs on the given interval and keeps
// keep records per instance.
func NewJanitor(src HistorySource, interval time.Duration, keep int) *Janitor {
	if interval < time.Second {
		interval = time.Hour
	}
	if keep < 1 {
		keep = DefaultHistoryLimit
	}
	return &Janitor{
		source:    src,
		interval:  interval,
		keep:      keep,
		archivers: make(map[string]Archiver),
	}
}

// RegisterArchiver adds an archive backend. The first registered backend
// becomes the default.
func (j *Janitor) RegisterArchiver(a Archiver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	kind := a.Kind()
	if len(j.archivers) == 0 {
		j.defaultBackend = kind
	}
	j.archivers[kind] = a
	log.Info().Str("kind", kind).Msg("Archive driver registered")
}

// SetDefaultBackend overrides which archiver receives the records.
func (j *Janitor) SetDefaultBackend(kind string) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	j.defaultBackend = kind
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("keep", j.keep).
		Str("default_backend", j.defaultBackend).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep across all instances.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	j.driverMu.RLock()
	backend := j.defaultBackend
	archiver, hasArchiver := j.archivers[backend]
	j.driverMu.RUnlock()
	if backend != "" && !hasArchiver {
		err := &archiveError{backend: backend, msg: "driver not registered"}
		log.Warn().Err(err).Msg("Archive driver not found, skipping cycle")
		stats.Errors = append(stats.Errors, err)
		return stats
	}

	sink := func(ctx context.Context, user, name string, recs []models.NotificationHistoryRecord) error {
		if !hasArchiver {
			return nil
		}
		uri, err := archiver.ArchiveNotifications(ctx, user, name, recs)
		if err != nil {
			log.Warn().Err(err).Str("user", user).Str("instance", name).Str("backend", backend).
				Int("batch_size", len(recs)).Msg("Failed to archive notification history")
			return err
		}
		stats.ArchiveRecords = append(stats.ArchiveRecords, ArchiveRecord{
			ID:          uuid.New().String(),
			User:        user,
			Instance:    name,
			RecordCount: len(recs),
			Backend:     backend,
			URI:         uri,
			FirstSeq:    recs[0].Seq,
			LastSeq:     recs[len(recs)-1].Seq,
			CreatedAt:   time.Now().UTC(),
		})
		return nil
	}

	moved, err := j.source.ArchiveHistory(ctx, j.keep, sink)
	stats.Moved = moved
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("archive notification history: %w", err))
		log.Warn().Err(err).Msg("Retention cycle error")
	}
	if moved > 0 {
		log.Info().
			Int("moved_records", moved).
			Int("archives", len(stats.ArchiveRecords)).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

// archiveError is a simple error type for archive failures.
type archiveError struct {
	backend string
	msg     string
}

func (e *archiveError) Error() string {
	return "archive driver " + e.backend + ": " + e.msg
}
