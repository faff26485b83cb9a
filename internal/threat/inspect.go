// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// REQUEST INSPECTION
// =============================================================================

// RequestInfo describes one outbound or inbound application request for
// inspection. The embedding app fills in what it knows; zero values mean
// "not applicable", not "suspicious".
type RequestInfo struct {
	Method             string
	Path               string
	Origin             string
	UserAgent          string
	HasAntiForgeryToken bool
	Body               string
}

// stateChanging are the methods that must carry an anti-forgery token.
var stateChanging = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// scriptMarkers are the payload fragments that flag injected script
// content. Matched case-insensitively.
var scriptMarkers = []string{
	"<script",
	"javascript:",
	"onerror=",
	"onload=",
	"eval(",
	"document.cookie",
}

// Inspector applies the per-request checks: origin allow list, anti-forgery
// token presence, script content, and request rate.
type Inspector struct {
	allowedOrigins map[string]bool
	limiter        *rate.Limiter
}

// Request rate envelope. A human-driven client stays well under this; a
// scripted loop blows through it.
const (
	requestsPerSecond = 10
	requestBurst      = 20
)

// NewInspector builds an inspector. An empty allow list disables the origin
// check entirely.
func NewInspector(allowedOrigins []string) *Inspector {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return &Inspector{
		allowedOrigins: allowed,
		limiter:        rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
	}
}

// Inspect runs every check against one request and returns the raw signals.
func (i *Inspector) Inspect(req RequestInfo) []Signal {
	var signals []Signal

	if len(i.allowedOrigins) > 0 && req.Origin != "" {
		origin := strings.ToLower(strings.TrimRight(req.Origin, "/"))
		if !i.allowedOrigins[origin] {
			signals = append(signals, Signal{
				Type:    TypeInvalidOrigin,
				Details: map[string]string{"origin": req.Origin},
			})
		}
	}

	if stateChanging[strings.ToUpper(req.Method)] && !req.HasAntiForgeryToken {
		signals = append(signals, Signal{
			Type:    TypeCSRFViolation,
			Details: map[string]string{"method": req.Method, "path": req.Path},
		})
	}

	if req.Body != "" {
		body := strings.ToLower(req.Body)
		for _, marker := range scriptMarkers {
			if strings.Contains(body, marker) {
				signals = append(signals, Signal{
					Type:    TypeXSSInjection,
					Details: map[string]string{"marker": marker, "path": req.Path},
				})
				break
			}
		}
	}

	if !i.limiter.Allow() {
		signals = append(signals, Signal{
			Type:    TypeRateLimit,
			Details: map[string]string{"path": req.Path},
		})
	}

	return signals
}

// =============================================================================
// INTERACTION TIMING
// =============================================================================

// Human input has jitter. A stream of interactions whose gaps are nearly
// identical is a script driving the app.
const (
	timingWindow = 10
	// timingMinCV is the minimum coefficient of variation (stddev/mean)
	// for gaps to count as human.
	timingMinCV = 0.05
	// timingMinGap ignores gap streams faster than any human could
	// produce regardless of regularity.
	timingMinGap = 20 * time.Millisecond
)

// TimingAnalyzer watches interaction intervals for machine-like regularity.
type TimingAnalyzer struct {
	mu   sync.Mutex
	last time.Time
	gaps []time.Duration
}

// NewTimingAnalyzer creates an analyzer.
func NewTimingAnalyzer() *TimingAnalyzer {
	return &TimingAnalyzer{}
}

// Observe records one interaction and reports whether the recent gap stream
// looks automated.
func (a *TimingAnalyzer) Observe(at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.last.IsZero() {
		gap := at.Sub(a.last)
		if gap > 0 {
			a.gaps = append(a.gaps, gap)
			if len(a.gaps) > timingWindow {
				a.gaps = a.gaps[1:]
			}
		}
	}
	a.last = at

	if len(a.gaps) < timingWindow {
		return false
	}

	var sum float64
	for _, g := range a.gaps {
		sum += g.Seconds()
	}
	mean := sum / float64(len(a.gaps))
	if mean <= 0 {
		return false
	}

	var variance float64
	for _, g := range a.gaps {
		d := g.Seconds() - mean
		variance += d * d
	}
	variance /= float64(len(a.gaps))
	cv := math.Sqrt(variance) / mean

	tooFast := mean < timingMinGap.Seconds()
	tooRegular := cv < timingMinCV
	return tooFast || tooRegular
}

// Reset clears history, for session boundaries.
func (a *TimingAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = time.Time{}
	a.gaps = nil
}
