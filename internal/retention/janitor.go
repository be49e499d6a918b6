// Package retention expires old pipeline results and idle conversation
// sessions on a fixed interval.
//
// When an archiver is configured, expired records are written to it first
// and only purged if archiving succeeded. Without one they are purged
// directly. The janitor respects context cancellation for graceful shutdown.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/halbridge/halbridge/internal/store"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when the configured interval is below a minute.
const DefaultInterval = 10 * time.Minute

// Results is the part of the result store the janitor needs.
type Results interface {
	ListResults(ctx context.Context, filter store.ListFilter) ([]models.Response, error)
	DeleteResults(ctx context.Context, ids ...string) (int, error)
}

// Sessions is the part of the session store the janitor needs.
type Sessions interface {
	ListSessions(ctx context.Context) []models.Session
	DeleteSession(ctx context.Context, sessionID string) error
}

// Archiver writes expired records to durable storage and returns where.
type Archiver interface {
	Kind() string
	Archive(ctx context.Context, collection string, records []any) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	ResultsArchived  int
	ResultsPurged    int
	SessionsArchived int
	SessionsPurged   int
	Archives         []string
	Errors           []error
}

// Janitor periodically archives and purges expired data.
type Janitor struct {
	results    Results
	sessions   Sessions
	archiver   Archiver
	interval   time.Duration
	resultTTL  time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithArchiver archives expired records before purging them.
func WithArchiver(a Archiver) Option {
	return func(j *Janitor) { j.archiver = a }
}

// WithResultTTL expires results completed longer ago than ttl. Zero disables.
func WithResultTTL(ttl time.Duration) Option {
	return func(j *Janitor) { j.resultTTL = ttl }
}

// WithSessionTTL expires sessions idle longer than ttl. Zero disables.
func WithSessionTTL(ttl time.Duration) Option {
	return func(j *Janitor) { j.sessionTTL = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a retention janitor that runs on the given interval.
func NewJanitor(results Results, sessions Sessions, interval time.Duration, opts ...Option) *Janitor {
	if interval < time.Minute {
		interval = DefaultInterval
	}
	j := &Janitor{
		results:  results,
		sessions: sessions,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Enabled reports whether any TTL is set.
func (j *Janitor) Enabled() bool {
	return j.resultTTL > 0 || j.sessionTTL > 0
}

// Start runs sweeps until ctx is canceled. It blocks.
func (j *Janitor) Start(ctx context.Context) {
	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("result_ttl", j.resultTTL).
		Dur("session_ttl", j.sessionTTL).
		Str("archiver", archiver).
		Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logCycle(j.Sweep(ctx))
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.logCycle(j.Sweep(ctx))
		}
	}
}

// Sweep performs one retention cycle.
func (j *Janitor) Sweep(ctx context.Context) CycleStats {
	var stats CycleStats
	now := j.now()

	if j.resultTTL > 0 && j.results != nil {
		j.sweepResults(ctx, now.Add(-j.resultTTL), &stats)
	}
	if j.sessionTTL > 0 && j.sessions != nil {
		j.sweepSessions(ctx, now.Add(-j.sessionTTL), &stats)
	}
	return stats
}

func (j *Janitor) sweepResults(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	expired, err := j.results.ListResults(ctx, store.ListFilter{Before: cutoff})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("list results: %w", err))
		return
	}
	if len(expired) == 0 {
		return
	}

	records := make([]any, len(expired))
	ids := make([]string, len(expired))
	for i, r := range expired {
		records[i] = r
		ids[i] = r.ID
	}
	if !j.archive(ctx, "results", records, stats) {
		return
	}
	stats.ResultsArchived = archivedCount(j.archiver, len(records))

	n, err := j.results.DeleteResults(ctx, ids...)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("delete results: %w", err))
	}
	stats.ResultsPurged = n
}

func (j *Janitor) sweepSessions(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	var records []any
	var ids []string
	for _, s := range j.sessions.ListSessions(ctx) {
		if s.UpdatedAt.Before(cutoff) {
			records = append(records, s)
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if !j.archive(ctx, "sessions", records, stats) {
		return
	}
	stats.SessionsArchived = archivedCount(j.archiver, len(records))

	for _, id := range ids {
		// A concurrent delete through the API is not an error here.
		if err := j.sessions.DeleteSession(ctx, id); err == nil {
			stats.SessionsPurged++
		}
	}
}

// archive reports whether purging may proceed.
func (j *Janitor) archive(ctx context.Context, collection string, records []any, stats *CycleStats) bool {
	if j.archiver == nil {
		return true
	}
	path, err := j.archiver.Archive(ctx, collection, records)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("archive %s: %w", collection, err))
		log.Warn().Err(err).Str("collection", collection).Msg("Archive failed, skipping purge")
		return false
	}
	stats.Archives = append(stats.Archives, path)
	return true
}

func archivedCount(a Archiver, n int) int {
	if a == nil {
		return 0
	}
	return n
}

func (j *Janitor) logCycle(stats CycleStats) {
	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("Retention cycle error")
	}
	if stats.ResultsPurged > 0 || stats.SessionsPurged > 0 {
		log.Info().
			Int("results_purged", stats.ResultsPurged).
			Int("sessions_purged", stats.SessionsPurged).
			Strs("archives", stats.Archives).
			Msg("Retention cycle complete")
	}
}
