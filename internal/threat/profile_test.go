// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sessionguard/internal/store"
)

func TestProfile_SessionAverage(t *testing.T) {
	p := NewProfile()

	p.RecordSession(10 * time.Minute)
	assert.InDelta(t, 600, p.AvgSessionSecs, 0.001, "first session seeds the average")

	p.RecordSession(20 * time.Minute)
	// EMA with alpha 0.3: 0.3*1200 + 0.7*600 = 780
	assert.InDelta(t, 780, p.AvgSessionSecs, 0.001)
	assert.Equal(t, 2, p.SessionCount)
}

func TestProfile_DurationOutlier(t *testing.T) {
	p := NewProfile()

	// Not enough samples: everything is normal.
	p.RecordSession(10 * time.Minute)
	assert.False(t, p.IsDurationOutlier(10*time.Hour))

	for i := 0; i < 5; i++ {
		p.RecordSession(10 * time.Minute)
	}
	assert.False(t, p.IsDurationOutlier(20*time.Minute))
	assert.True(t, p.IsDurationOutlier(45*time.Minute), "3x the learned average")
}

func TestProfile_UnusualHour(t *testing.T) {
	p := NewProfile()
	at := func(hour int) time.Time {
		return time.Date(2026, 8, 29, hour, 0, 0, 0, time.UTC)
	}

	// Below the observation floor nothing is unusual.
	for i := 0; i < 10; i++ {
		p.RecordActivityHour(at(10))
	}
	assert.False(t, p.IsUnusualHour(at(3)))

	for i := 0; i < 15; i++ {
		p.RecordActivityHour(at(10))
	}
	assert.True(t, p.IsUnusualHour(at(3)), "never-seen hour after 25 observations")
	assert.False(t, p.IsUnusualHour(at(10)), "the user's usual hour")
}

func TestProfile_KnownIdentifiers(t *testing.T) {
	p := NewProfile()

	assert.False(t, p.KnownFingerprint("fp1"))
	p.LearnFingerprint("fp1")
	assert.True(t, p.KnownFingerprint("fp1"))

	// Learning the same value twice does not grow the list.
	p.LearnFingerprint("fp1")
	assert.Len(t, p.Fingerprints, 1)

	// The list is bounded; the oldest entries are evicted.
	for i := 0; i < 15; i++ {
		p.LearnFingerprint(string(rune('a' + i)))
	}
	assert.Len(t, p.Fingerprints, maxKnownIdentifiers)
	assert.False(t, p.KnownFingerprint("fp1"), "oldest fingerprint evicted")

	p.LearnUserAgent("cli/1.0")
	assert.True(t, p.KnownUserAgent("cli/1.0"))
	assert.False(t, p.KnownUserAgent("cli/2.0"))
}

func TestProfile_PersistenceRoundTrip(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	p := NewProfile()
	p.RecordSession(10 * time.Minute)
	p.LearnFingerprint("fp1")
	p.RecordActivityHour(time.Date(2026, 8, 29, 14, 0, 0, 0, time.UTC))
	require.NoError(t, p.Save(s))

	loaded, err := LoadProfile(s)
	require.NoError(t, err)
	assert.InDelta(t, p.AvgSessionSecs, loaded.AvgSessionSecs, 0.001)
	assert.Equal(t, 1, loaded.SessionCount)
	assert.True(t, loaded.KnownFingerprint("fp1"))
	assert.Equal(t, 1, loaded.HourCounts[14])
}

func TestProfile_LoadEmptyAndCorrupt(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	p, err := LoadProfile(s)
	require.NoError(t, err)
	assert.Equal(t, 0, p.SessionCount)

	// A corrupt profile relearns instead of failing startup.
	require.NoError(t, s.SaveProfile([]byte("{broken")))
	p, err = LoadProfile(s)
	require.NoError(t, err)
	assert.Equal(t, 0, p.SessionCount)
}
