// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package facade

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/sessionguard/internal/threat"
	"github.com/jeranaias/sessionguard/internal/util"
)

// =============================================================================
// RISK AGGREGATION
// =============================================================================

// RiskLevel is the aggregated posture over the reporting window.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Aggregation thresholds.
const (
	riskWindow         = 24 * time.Hour
	highSeverityBudget = 5
	mediumBudget       = 10
)

// RiskReport summarizes the threat picture over the window.
type RiskReport struct {
	Level       RiskLevel
	Counts      map[threat.Severity]int
	Recent      []threat.Event
	GeneratedAt time.Time
	Window      time.Duration
}

// RiskReport aggregates the journal into a posture rating:
//   - critical: any critical event in the window
//   - high: more than five high-severity events
//   - medium: any high-severity event, or more than ten medium
//   - low: everything else
func (g *Guard) RiskReport() (*RiskReport, error) {
	now := time.Now()
	counts, err := g.journal.CountBySeverity(now.Add(-riskWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate threat journal: %w", err)
	}

	level := RiskLow
	switch {
	case counts[threat.SeverityCritical] > 0:
		level = RiskCritical
	case counts[threat.SeverityHigh] > highSeverityBudget:
		level = RiskHigh
	case counts[threat.SeverityHigh] > 0 || counts[threat.SeverityMedium] > mediumBudget:
		level = RiskMedium
	}

	return &RiskReport{
		Level:       level,
		Counts:      counts,
		Recent:      g.threats.Recent(10),
		GeneratedAt: now,
		Window:      riskWindow,
	}, nil
}

// =============================================================================
// RENDERING
// =============================================================================

// String renders the report as a short plain-text summary.
func (r *RiskReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Security posture: %s (last %s)\n", strings.ToUpper(string(r.Level)), util.FormatDuration(r.Window))

	if len(r.Counts) == 0 {
		b.WriteString("No threat events recorded.\n")
		return b.String()
	}

	b.WriteString("Events by severity:\n")
	for _, sev := range []threat.Severity{
		threat.SeverityCritical,
		threat.SeverityHigh,
		threat.SeverityMedium,
		threat.SeverityLow,
	} {
		if n := r.Counts[sev]; n > 0 {
			fmt.Fprintf(&b, "  %-8s %d\n", sev, n)
		}
	}

	if len(r.Recent) > 0 {
		b.WriteString("Most recent:\n")
		recent := append([]threat.Event(nil), r.Recent...)
		sort.Slice(recent, func(i, j int) bool {
			return recent[i].Timestamp.After(recent[j].Timestamp)
		})
		limit := 5
		if len(recent) < limit {
			limit = len(recent)
		}
		for _, e := range recent[:limit] {
			fmt.Fprintf(&b, "  %s  %-22s confidence %d\n",
				e.Timestamp.Format("15:04:05"), e.Type, e.Confidence)
		}
	}
	return b.String()
}
