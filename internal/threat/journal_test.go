// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, retention time.Duration, maxEvents int) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "threats.db"), retention, maxEvents)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func journalEvent(typ Type, ts time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Severity:   SeverityOf(typ),
		Confidence: 80,
		SessionID:  "sess_1",
		Timestamp:  ts,
		Details:    map[string]string{"check": "test"},
	}
}

func TestJournal_AppendAndRecent(t *testing.T) {
	j := openTestJournal(t, 24*time.Hour, 1000)

	now := time.Now()
	require.NoError(t, j.Append(journalEvent(TypeRateLimit, now.Add(-2*time.Minute))))
	require.NoError(t, j.Append(journalEvent(TypeTokenTampering, now)))

	events, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeTokenTampering, events[0].Type, "newest first")
	assert.Equal(t, TypeRateLimit, events[1].Type)
	assert.Equal(t, "sess_1", events[0].SessionID)
	assert.Equal(t, "test", events[0].Details["check"])
	assert.WithinDuration(t, now, events[0].Timestamp, time.Second)
}

func TestJournal_CountEviction(t *testing.T) {
	j := openTestJournal(t, 24*time.Hour, 5)

	now := time.Now()
	for i := 0; i < 8; i++ {
		require.NoError(t, j.Append(journalEvent(TypeRateLimit, now.Add(time.Duration(i)*time.Second))))
	}

	events, err := j.Recent(100)
	require.NoError(t, err)
	assert.Len(t, events, 5, "count cap holds")

	// The survivors are the newest five.
	oldest := events[len(events)-1]
	assert.WithinDuration(t, now.Add(3*time.Second), oldest.Timestamp, time.Second)
}

func TestJournal_RetentionEviction(t *testing.T) {
	j := openTestJournal(t, time.Hour, 1000)

	require.NoError(t, j.Append(journalEvent(TypeRateLimit, time.Now().Add(-2*time.Hour))))
	require.NoError(t, j.Append(journalEvent(TypeTokenTampering, time.Now())))

	events, err := j.Recent(100)
	require.NoError(t, err)
	require.Len(t, events, 1, "expired event evicted on append")
	assert.Equal(t, TypeTokenTampering, events[0].Type)
}

func TestJournal_CountBySeverity(t *testing.T) {
	j := openTestJournal(t, 24*time.Hour, 1000)

	now := time.Now()
	require.NoError(t, j.Append(journalEvent(TypeTokenTampering, now))) // critical
	require.NoError(t, j.Append(journalEvent(TypeCSRFViolation, now)))  // high
	require.NoError(t, j.Append(journalEvent(TypeRateLimit, now)))      // medium
	require.NoError(t, j.Append(journalEvent(TypeDevTools, now)))       // low

	counts, err := j.CountBySeverity(now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[SeverityCritical])
	assert.Equal(t, 1, counts[SeverityHigh])
	assert.Equal(t, 1, counts[SeverityMedium])
	assert.Equal(t, 1, counts[SeverityLow])

	mediumPlus, err := j.CountSince(now.Add(-time.Minute), SeverityMedium)
	require.NoError(t, err)
	assert.Equal(t, 3, mediumPlus)
}

func TestJournal_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threats.db")
	j, err := OpenJournal(path, 24*time.Hour, 1000)
	require.NoError(t, err)
	require.NoError(t, j.Append(journalEvent(TypeSessionHijacking, time.Now())))
	require.NoError(t, j.Close())

	j2, err := OpenJournal(path, 24*time.Hour, 1000)
	require.NoError(t, err)
	defer j2.Close()

	events, err := j2.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TypeSessionHijacking, events[0].Type)
}
