// Package health maintains a 0-100 health score per credential from
// real call outcomes and synthetic probes, plus a latency EWMA and a
// sliding one-hour error window.
package health

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"keypool/internal/config"
	"keypool/internal/db"
	"keypool/internal/model"
)

const (
	maxScore = 100
	minScore = 0
	// neutralScore is what an unused key drifts toward, so stale keys
	// are neither falsely trusted nor falsely penalized.
	neutralScore = 70
)

type record struct {
	score        float64
	avgLatencyMs float64
	errTimes     []time.Time
	lastOutcome  time.Time
	lastTestedAt time.Time
	lastStatus   string
}

// View is the read shape of one credential's health state.
type View struct {
	Score              float64
	AvgLatencyMs       float64
	ErrorCountLastHour int
	LastTestedAt       time.Time
	LastStatus         string
}

// Monitor owns all health state. Components never mutate it directly;
// they report outcomes and query scores.
type Monitor struct {
	mu      sync.Mutex
	records map[uint]*record

	cfg    config.HealthConfig
	db     db.Service
	logger *slog.Logger
	now    func() time.Time

	syncDBUpdates bool // For testing purposes
}

// NewMonitor creates a Monitor, warm-starting last known scores from the
// database.
func NewMonitor(dbService db.Service, cfg config.HealthConfig, log *slog.Logger) (*Monitor, error) {
	m := &Monitor{
		records: make(map[uint]*record),
		cfg:     cfg,
		db:      dbService,
		logger:  log.With("component", "health"),
		now:     time.Now,
	}

	if dbService != nil {
		snaps, err := dbService.LoadHealthSnapshots()
		if err != nil {
			return nil, err
		}
		for _, s := range snaps {
			m.records[s.CredentialID] = &record{
				score:        clamp(s.Score),
				avgLatencyMs: s.AvgLatencyMs,
				lastOutcome:  s.UpdatedAt,
				lastTestedAt: s.LastTestedAt,
				lastStatus:   s.LastStatus,
			}
		}
		if len(snaps) > 0 {
			m.logger.Info("Restored health snapshots", "count", len(snaps))
		}
	}

	return m, nil
}

// Classify maps a score to a health band. Pure function; the router and
// the dashboard badges must agree on it. Poor keys stay eligible for
// selection, only penalized by their low score.
func Classify(score float64) string {
	switch {
	case score >= 80:
		return model.HealthGood
	case score >= 50:
		return model.HealthMedium
	default:
		return model.HealthPoor
	}
}

func clamp(score float64) float64 {
	return math.Max(minScore, math.Min(maxScore, score))
}

// Seed initializes a fresh record at full health for a newly added
// credential.
func (m *Monitor) Seed(credID uint) {
	m.mu.Lock()
	m.records[credID] = &record{
		score:       maxScore,
		lastOutcome: m.now(),
		lastStatus:  model.HealthGood,
	}
	rec := *m.records[credID]
	m.mu.Unlock()

	m.persist(credID, &rec)
}

// RecordOutcome folds one real provider call result into the
// credential's health: success nudges the score up and updates the
// latency EWMA, failure nudges it down and lands in the error window.
func (m *Monitor) RecordOutcome(cred *model.Credential, modelName string, success bool, latencyMs int64) {
	m.mu.Lock()
	rec := m.recordLocked(cred.ID)
	m.applyLocked(rec, success, latencyMs)
	snapshot := *rec
	m.mu.Unlock()

	m.persist(cred.ID, &snapshot)
	m.appendLog(cred, modelName, success, latencyMs, false)
}

// recordLocked fetches or creates the record and applies idle decay.
func (m *Monitor) recordLocked(credID uint) *record {
	rec, ok := m.records[credID]
	if !ok {
		rec = &record{score: maxScore, lastOutcome: m.now(), lastStatus: model.HealthGood}
		m.records[credID] = rec
		return rec
	}
	m.decayLocked(rec)
	return rec
}

// decayLocked drifts an idle record's score toward neutral with the
// configured half-life. Applied lazily on access, never on a timer.
func (m *Monitor) decayLocked(rec *record) {
	idle := m.now().Sub(rec.lastOutcome)
	if idle <= 0 || m.cfg.DecayHalfLifeMin <= 0 {
		return
	}
	halfLife := time.Duration(m.cfg.DecayHalfLifeMin) * time.Minute
	factor := math.Pow(0.5, idle.Seconds()/halfLife.Seconds())
	rec.score = clamp(neutralScore + (rec.score-neutralScore)*factor)
}

func (m *Monitor) applyLocked(rec *record, success bool, latencyMs int64) {
	now := m.now()
	if success {
		rec.score = clamp(rec.score + m.cfg.SuccessStep)
		if rec.avgLatencyMs == 0 {
			rec.avgLatencyMs = float64(latencyMs)
		} else {
			rec.avgLatencyMs = m.cfg.LatencyAlpha*float64(latencyMs) + (1-m.cfg.LatencyAlpha)*rec.avgLatencyMs
		}
	} else {
		rec.score = clamp(rec.score - m.cfg.FailureStep)
		rec.errTimes = append(rec.errTimes, now)
	}
	rec.lastOutcome = now
	m.pruneLocked(rec)
	rec.lastStatus = Classify(rec.score)
}

// pruneLocked drops error-window entries older than one hour.
func (m *Monitor) pruneLocked(rec *record) {
	cutoff := m.now().Add(-time.Hour)
	i := 0
	for i < len(rec.errTimes) && !rec.errTimes[i].After(cutoff) {
		i++
	}
	rec.errTimes = rec.errTimes[i:]
}

// Score returns the credential's current health score, with idle decay
// applied. Unknown credentials read as fully healthy.
func (m *Monitor) Score(credID uint) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(credID).score
}

// AvgLatency returns the credential's latency EWMA in milliseconds.
func (m *Monitor) AvgLatency(credID uint) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(credID).avgLatencyMs
}

// Snapshot returns the full health view for a credential.
func (m *Monitor) Snapshot(credID uint) View {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.recordLocked(credID)
	m.pruneLocked(rec)
	return View{
		Score:              rec.score,
		AvgLatencyMs:       rec.avgLatencyMs,
		ErrorCountLastHour: len(rec.errTimes),
		LastTestedAt:       rec.lastTestedAt,
		LastStatus:         Classify(rec.score),
	}
}

func (m *Monitor) persist(credID uint, rec *record) {
	if m.db == nil {
		return
	}
	snap := model.HealthSnapshot{
		CredentialID: credID,
		Score:        rec.score,
		AvgLatencyMs: rec.avgLatencyMs,
		LastStatus:   Classify(rec.score),
		LastTestedAt: rec.lastTestedAt,
	}
	if m.syncDBUpdates {
		if err := m.db.UpsertHealthSnapshot(&snap); err != nil {
			m.logger.Warn("Failed to persist health snapshot", "credential_id", credID, "error", err)
		}
		return
	}
	go func() {
		if err := m.db.UpsertHealthSnapshot(&snap); err != nil {
			m.logger.Warn("Failed to persist health snapshot", "credential_id", credID, "error", err)
		}
	}()
}

func (m *Monitor) appendLog(cred *model.Credential, modelName string, success bool, latencyMs int64, probe bool) {
	if m.db == nil {
		return
	}
	entry := model.RequestLog{
		CredentialID: cred.ID,
		Provider:     cred.Provider,
		ModelName:    modelName,
		Success:      success,
		LatencyMs:    latencyMs,
		Probe:        probe,
	}
	if m.syncDBUpdates {
		if err := m.db.AppendRequestLog(&entry); err != nil {
			m.logger.Warn("Failed to append request log", "error", err)
		}
		return
	}
	go func() {
		if err := m.db.AppendRequestLog(&entry); err != nil {
			m.logger.Warn("Failed to append request log", "error", err)
		}
	}()
}

// Flush writes every in-memory record to the database. Called by the
// housekeeping scheduler and during shutdown.
func (m *Monitor) Flush() {
	if m.db == nil {
		return
	}

	m.mu.Lock()
	type pair struct {
		id  uint
		rec record
	}
	pairs := make([]pair, 0, len(m.records))
	for id, rec := range m.records {
		pairs = append(pairs, pair{id, *rec})
	}
	m.mu.Unlock()

	for i := range pairs {
		snap := model.HealthSnapshot{
			CredentialID: pairs[i].id,
			Score:        pairs[i].rec.score,
			AvgLatencyMs: pairs[i].rec.avgLatencyMs,
			LastStatus:   Classify(pairs[i].rec.score),
			LastTestedAt: pairs[i].rec.lastTestedAt,
		}
		if err := m.db.UpsertHealthSnapshot(&snap); err != nil {
			m.logger.Warn("Failed to flush health snapshot", "credential_id", pairs[i].id, "error", err)
		}
	}
}
