// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/sessionguard/internal/store"
)

// =============================================================================
// BEHAVIOR PROFILE
// =============================================================================

const (
	// emaAlpha weights new observations in the running averages.
	emaAlpha = 0.3

	// minHourObservations is how many activity samples the hour histogram
	// needs before "unusual hour" means anything.
	minHourObservations = 20

	// unusualHourShare marks an hour bucket as unusual when it holds less
	// than this share of all observations.
	unusualHourShare = 0.05

	// durationOutlierFactor flags sessions this many times longer than
	// the learned average.
	durationOutlierFactor = 3.0

	// minSessionSamples is how many sessions the duration average needs
	// before outlier detection switches on.
	minSessionSamples = 5

	// maxKnownIdentifiers bounds the remembered fingerprint and client
	// lists.
	maxKnownIdentifiers = 10
)

// Profile is the learned shape of one user's behavior. It feeds the
// adaptive detector's context adjustments and persists across restarts.
type Profile struct {
	mu sync.Mutex

	AvgSessionSecs float64        `json:"avg_session_secs"`
	SessionCount   int            `json:"session_count"`
	HourCounts     [24]int        `json:"hour_counts"`
	HourTotal      int            `json:"hour_total"`
	Fingerprints   []string       `json:"fingerprints"`
	UserAgents     []string       `json:"user_agents"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{}
}

// LoadProfile restores a profile from the store, empty when none persisted.
func LoadProfile(s *store.Store) (*Profile, error) {
	data, err := s.LoadProfile()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return NewProfile(), nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		// A corrupt profile is not worth failing startup over; relearn.
		return NewProfile(), nil
	}
	return &p, nil
}

// Save persists the profile through the store.
func (p *Profile) Save(s *store.Store) error {
	p.mu.Lock()
	p.UpdatedAt = time.Now()
	data, err := json.Marshal(p)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode behavior profile: %w", err)
	}
	return s.SaveProfile(data)
}

// RecordSession folds a completed session into the running averages.
func (p *Profile) RecordSession(duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	secs := duration.Seconds()
	if p.SessionCount == 0 {
		p.AvgSessionSecs = secs
	} else {
		p.AvgSessionSecs = emaAlpha*secs + (1-emaAlpha)*p.AvgSessionSecs
	}
	p.SessionCount++
}

// RecordActivityHour folds an activity timestamp into the hour histogram.
func (p *Profile) RecordActivityHour(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HourCounts[t.Hour()]++
	p.HourTotal++
}

// IsUnusualHour reports whether activity at t lands in an hour this user is
// essentially never active in. Undecidable (and false) until the histogram
// has enough samples.
func (p *Profile) IsUnusualHour(t time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HourTotal < minHourObservations {
		return false
	}
	share := float64(p.HourCounts[t.Hour()]) / float64(p.HourTotal)
	return share < unusualHourShare
}

// IsDurationOutlier reports whether a session ran far past the learned
// average. Always false until enough sessions are recorded.
func (p *Profile) IsDurationOutlier(duration time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SessionCount < minSessionSamples || p.AvgSessionSecs <= 0 {
		return false
	}
	return duration.Seconds() > p.AvgSessionSecs*durationOutlierFactor
}

// KnownFingerprint reports whether the device fingerprint was seen before.
func (p *Profile) KnownFingerprint(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return contains(p.Fingerprints, hash)
}

// LearnFingerprint remembers a device fingerprint, evicting the oldest when
// the list is full.
func (p *Profile) LearnFingerprint(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Fingerprints = learn(p.Fingerprints, hash)
}

// KnownUserAgent reports whether the client identifier was seen before.
func (p *Profile) KnownUserAgent(ua string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return contains(p.UserAgents, ua)
}

// LearnUserAgent remembers a client identifier.
func (p *Profile) LearnUserAgent(ua string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UserAgents = learn(p.UserAgents, ua)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func learn(list []string, v string) []string {
	if v == "" || contains(list, v) {
		return list
	}
	list = append(list, v)
	if len(list) > maxKnownIdentifiers {
		list = list[len(list)-maxKnownIdentifiers:]
	}
	return list
}
