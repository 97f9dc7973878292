package db

import (
	"testing"
	"time"

	"keypool/internal/config"
	"keypool/internal/model"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

// setupTestDB creates a new in-memory SQLite database and returns a Service and the raw *gorm.DB.
func setupTestDB(t *testing.T) (Service, *gorm.DB) {
	service, err := NewService(config.DatabaseConfig{
		Type: "sqlite",
		DSN:  "file::memory:",
	})
	if err != nil {
		t.Fatalf("Failed to create test db service: %v", err)
	}
	return service, service.GetDB()
}

func TestNewService(t *testing.T) {
	service, err := NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	assert.NoError(t, err)
	assert.NotNil(t, service)

	_, err = NewService(config.DatabaseConfig{Type: "unsupported"})
	assert.Error(t, err)
}

func TestCredentialLifecycle(t *testing.T) {
	service, _ := setupTestDB(t)

	cred := &model.Credential{PublicID: "pub-1", Provider: "openai", OwnerID: "u1", Secret: "sk-abcd1234", Active: true}
	assert.NoError(t, service.CreateCredential(cred))
	assert.NotZero(t, cred.ID)

	got, err := service.GetCredentialByPublicID("pub-1")
	assert.NoError(t, err)
	assert.Equal(t, "openai", got.Provider)
	assert.Equal(t, "1234", got.SecretSuffix())

	_, err = service.GetCredentialByPublicID("pub-missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	assert.NoError(t, service.SetCredentialActive("pub-1", false))
	got, _ = service.GetCredentialByPublicID("pub-1")
	assert.False(t, got.Active)

	// Deactivation is soft: the row survives and stays listable.
	all, err := service.ListCredentials("u1")
	assert.NoError(t, err)
	assert.Len(t, all, 1)

	err = service.SetCredentialActive("pub-missing", false)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListActiveCredentials(t *testing.T) {
	service, _ := setupTestDB(t)

	creds := []model.Credential{
		{PublicID: "a", Provider: "openai", OwnerID: "u1", Secret: "s1", Active: true},
		{PublicID: "b", Provider: "openai", OwnerID: "u1", Secret: "s2", Active: false},
		{PublicID: "c", Provider: "anthropic", OwnerID: "u2", Secret: "s3", Active: true},
	}
	for i := range creds {
		assert.NoError(t, service.CreateCredential(&creds[i]))
	}

	active, err := service.ListActiveCredentials("")
	assert.NoError(t, err)
	assert.Len(t, active, 2)

	openai, err := service.ListActiveCredentials("openai")
	assert.NoError(t, err)
	assert.Len(t, openai, 1)
	assert.Equal(t, "a", openai[0].PublicID)
}

func TestUpsertCounter(t *testing.T) {
	service, _ := setupTestDB(t)

	counter := &model.UsageCounter{CredentialID: 1, ModelName: "gpt-4o", Day: "2026-08-31", Used: 1, Quota: 100}
	assert.NoError(t, service.UpsertCounter(counter))

	// Same key updates in place rather than inserting a second row.
	counter2 := &model.UsageCounter{CredentialID: 1, ModelName: "gpt-4o", Day: "2026-08-31", Used: 7, Quota: 100}
	assert.NoError(t, service.UpsertCounter(counter2))

	rows, err := service.LoadCounters("2026-08-31")
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 7, rows[0].Used)

	// Different day is a different counter.
	counter3 := &model.UsageCounter{CredentialID: 1, ModelName: "gpt-4o", Day: "2026-09-01", Used: 2, Quota: 100}
	assert.NoError(t, service.UpsertCounter(counter3))
	rows, _ = service.LoadCounters("2026-09-01")
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Used)
}

func TestUpsertHealthSnapshot(t *testing.T) {
	service, _ := setupTestDB(t)

	snap := &model.HealthSnapshot{CredentialID: 1, Score: 100, LastStatus: "good"}
	assert.NoError(t, service.UpsertHealthSnapshot(snap))

	snap2 := &model.HealthSnapshot{CredentialID: 1, Score: 55, AvgLatencyMs: 120, LastStatus: "medium"}
	assert.NoError(t, service.UpsertHealthSnapshot(snap2))

	snaps, err := service.LoadHealthSnapshots()
	assert.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Equal(t, 55.0, snaps[0].Score)
	assert.Equal(t, "medium", snaps[0].LastStatus)
}

func TestRequestLog(t *testing.T) {
	service, db := setupTestDB(t)

	for i := 0; i < 5; i++ {
		err := service.AppendRequestLog(&model.RequestLog{
			CredentialID: 1, Provider: "openai", ModelName: "gpt-4o",
			Success: i%2 == 0, LatencyMs: int64(100 + i),
		})
		assert.NoError(t, err)
	}

	entries, err := service.ListRecentRequestLogs(3)
	assert.NoError(t, err)
	assert.Len(t, entries, 3)

	// Backdate two rows and prune them.
	old := time.Now().Add(-40 * 24 * time.Hour)
	db.Model(&model.RequestLog{}).Where("latency_ms IN ?", []int64{100, 101}).Update("created_at", old)

	pruned, err := service.PruneRequestLogs(time.Now().Add(-30 * 24 * time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	entries, _ = service.ListRecentRequestLogs(10)
	assert.Len(t, entries, 3)
}
