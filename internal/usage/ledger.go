// Package usage implements the quota ledger: per-credential and
// per-model daily counters with atomic reservation. The in-memory
// counters are authoritative; the database copy is written behind a
// queue and exists for restart warm-start and reporting.
package usage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keypool/internal/config"
	"keypool/internal/db"
	"keypool/internal/model"
)

// ErrQuotaExceeded is returned by Reserve when the counter is already at
// capacity. It is a race-loser outcome, not a fault: the caller should
// reselect a credential and retry once.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrUnknownProvider is returned when a credential references a provider
// that is not in the catalog.
var ErrUnknownProvider = errors.New("unknown provider")

type counterKey struct {
	credentialID uint
	model        string // "" is the umbrella counter
}

type counter struct {
	day   string
	used  int
	quota int
}

// Ledger tracks request usage against daily quotas. All counter access
// happens under a single mutex, which makes Reserve's check-and-increment
// atomic across the umbrella and model counters.
type Ledger struct {
	mu       sync.Mutex
	counters map[counterKey]*counter

	cfg    *config.Config
	db     db.Service
	logger *slog.Logger
	now    func() time.Time

	updateQueue chan model.UsageCounter
	wg          sync.WaitGroup
	closeOnce   sync.Once

	syncDBUpdates bool // For testing purposes
}

// NewLedger creates a Ledger and warm-starts today's counters from the
// database so a restart does not forget consumed quota.
func NewLedger(dbService db.Service, cfg *config.Config, log *slog.Logger) (*Ledger, error) {
	l := &Ledger{
		counters:    make(map[counterKey]*counter),
		cfg:         cfg,
		db:          dbService,
		logger:      log.With("component", "usage"),
		now:         time.Now,
		updateQueue: make(chan model.UsageCounter, 256),
	}

	if dbService != nil {
		day := l.Day(l.now())
		persisted, err := dbService.LoadCounters(day)
		if err != nil {
			return nil, fmt.Errorf("failed to warm-start usage counters: %w", err)
		}
		for _, c := range persisted {
			l.counters[counterKey{c.CredentialID, c.ModelName}] = &counter{
				day:   c.Day,
				used:  c.Used,
				quota: c.Quota,
			}
		}
		if len(persisted) > 0 {
			l.logger.Info("Restored usage counters", "day", day, "count", len(persisted))
		}
	}

	l.wg.Add(1)
	go l.persistWorker()

	return l, nil
}

// Day returns the label of the reset window containing t. Windows start
// at the configured reset hour UTC, so the label is the date on which
// the window opened, not necessarily the calendar date.
func (l *Ledger) Day(t time.Time) string {
	return t.UTC().Add(-time.Duration(l.cfg.Quota.ResetHourUTC) * time.Hour).Format("2006-01-02")
}

// NextReset returns the time remaining until the next daily boundary.
func (l *Ledger) NextReset(t time.Time) time.Duration {
	t = t.UTC()
	boundary := time.Date(t.Year(), t.Month(), t.Day(), l.cfg.Quota.ResetHourUTC, 0, 0, 0, time.UTC)
	if !boundary.After(t) {
		boundary = boundary.Add(24 * time.Hour)
	}
	return boundary.Sub(t)
}

// counterLocked returns the counter for the key, creating or lazily
// rolling it over when the day boundary has been crossed. Callers must
// hold l.mu.
func (l *Ledger) counterLocked(cred *model.Credential, modelName string) (*counter, error) {
	spec := l.cfg.Provider(cred.Provider)
	if spec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cred.Provider)
	}

	day := l.Day(l.now())
	key := counterKey{cred.ID, modelName}
	c, ok := l.counters[key]
	if !ok {
		c = &counter{day: day, quota: spec.QuotaFor(modelName)}
		l.counters[key] = c
		return c, nil
	}
	if c.day != day {
		// Crossed the reset boundary: roll over exactly once. The new
		// day key guarantees at-most-once semantics however many reads
		// race around the boundary.
		c.day = day
		c.used = 0
		c.quota = spec.QuotaFor(modelName)
	}
	return c, nil
}

// Remaining reports (used, quota) for the credential's counter. An empty
// model selects the umbrella counter.
func (l *Ledger) Remaining(cred *model.Credential, modelName string) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.counterLocked(cred, modelName)
	if err != nil {
		return 0, 0
	}
	return c.used, c.quota
}

// Reserve atomically admits one request against the credential's quota.
// A model-scoped reservation must pass both the model counter and the
// umbrella counter; neither is incremented unless both admit.
func (l *Ledger) Reserve(cred *model.Credential, modelName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	umbrella, err := l.counterLocked(cred, "")
	if err != nil {
		return err
	}
	if umbrella.used >= umbrella.quota {
		return ErrQuotaExceeded
	}

	var sub *counter
	if modelName != "" {
		sub, err = l.counterLocked(cred, modelName)
		if err != nil {
			return err
		}
		if sub.used >= sub.quota {
			return ErrQuotaExceeded
		}
	}

	umbrella.used++
	l.enqueueLocked(cred.ID, "", umbrella)
	if sub != nil {
		sub.used++
		l.enqueueLocked(cred.ID, modelName, sub)
	}
	return nil
}

// Breakdown returns the per-model usage view for a credential, covering
// every model in the provider's catalog.
func (l *Ledger) Breakdown(cred *model.Credential) []model.ModelUsageBreakdown {
	spec := l.cfg.Provider(cred.Provider)
	if spec == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.ModelUsageBreakdown, 0, len(spec.Models))
	for _, m := range spec.Models {
		c, err := l.counterLocked(cred, m)
		if err != nil {
			continue
		}
		b := model.ModelUsageBreakdown{
			Model:         m,
			RequestsToday: c.used,
			DailyQuota:    c.quota,
		}
		if c.quota > 0 {
			b.Percentage = float64(c.used) / float64(c.quota) * 100
		}
		out = append(out, b)
	}
	return out
}

func (l *Ledger) enqueueLocked(credID uint, modelName string, c *counter) {
	if l.db == nil {
		return
	}
	row := model.UsageCounter{
		CredentialID: credID,
		ModelName:    modelName,
		Day:          c.day,
		Used:         c.used,
		Quota:        c.quota,
	}
	if l.syncDBUpdates {
		if err := l.db.UpsertCounter(&row); err != nil {
			l.logger.Error("Failed to persist usage counter", "credential_id", credID, "error", err)
		}
		return
	}
	select {
	case l.updateQueue <- row:
		// Successfully queued
	default:
		// The flush job will catch the counter up; losing one queued
		// write only stales the DB copy, never the admission decision.
		l.logger.Warn("Usage persistence queue full, dropping update", "credential_id", credID)
	}
}

// persistWorker drains counter updates into the database.
func (l *Ledger) persistWorker() {
	defer l.wg.Done()
	for row := range l.updateQueue {
		if err := l.db.UpsertCounter(&row); err != nil {
			l.logger.Warn("Failed to persist usage counter", "credential_id", row.CredentialID, "error", err)
		}
	}
}

// Flush synchronously writes every in-memory counter to the database.
// Called by the housekeeping scheduler and during shutdown.
func (l *Ledger) Flush() {
	if l.db == nil {
		return
	}

	l.mu.Lock()
	rows := make([]model.UsageCounter, 0, len(l.counters))
	for key, c := range l.counters {
		rows = append(rows, model.UsageCounter{
			CredentialID: key.credentialID,
			ModelName:    key.model,
			Day:          c.day,
			Used:         c.used,
			Quota:        c.quota,
		})
	}
	l.mu.Unlock()

	for i := range rows {
		if err := l.db.UpsertCounter(&rows[i]); err != nil {
			l.logger.Warn("Failed to flush usage counter", "credential_id", rows[i].CredentialID, "error", err)
		}
	}
}

// Close stops the persistence worker after draining pending updates.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.updateQueue)
		l.wg.Wait()
	})
}
