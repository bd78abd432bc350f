package models

import (
	"time"

	"github.com/google/uuid"
)

// MonthFormat is the calendar-month key of the usage aggregate ("YYYY-MM").
const MonthFormat = "2006-01"

// MonthKey returns the usage month of t in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format(MonthFormat)
}

// UsageEvent is the terminal outcome of one top-level request, queued for
// the monthly aggregate.
type UsageEvent struct {
	UserID       string    `json:"user_id"`
	Month        string    `json:"month"`
	Feature      string    `json:"feature"`
	Success      bool      `json:"success"`
	CredentialID uuid.UUID `json:"credential_id,omitempty"`
	At           time.Time `json:"at"`
}

// MonthlyUsage is a row of ai_usage_monthly.
type MonthlyUsage struct {
	UserID          string        `db:"user_id" json:"user_id"`
	Month           string        `db:"month" json:"month"`
	TotalRequests   int64         `db:"total_requests" json:"total_requests"`
	SuccessRequests int64         `db:"success_requests" json:"success_requests"`
	FailedRequests  int64         `db:"failed_requests" json:"failed_requests"`
	FeatureCounts   FeatureCounts `db:"feature_counts" json:"feature_counts"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// UsageDelta is an increment against one (user, month) aggregate. Several
// events for the same key fold into one delta before the upsert.
type UsageDelta struct {
	UserID   string
	Month    string
	Total    int64
	Success  int64
	Failed   int64
	Features map[string]int64
}

// Add folds one event into the delta.
func (d *UsageDelta) Add(ev UsageEvent) {
	d.Total++
	if ev.Success {
		d.Success++
	} else {
		d.Failed++
	}
	if ev.Feature == "" {
		return
	}
	if d.Features == nil {
		d.Features = make(map[string]int64)
	}
	d.Features[ev.Feature]++
}

// FoldUsageEvents groups events by (user, month) preserving first-seen order.
func FoldUsageEvents(events []UsageEvent) []*UsageDelta {
	type key struct{ user, month string }
	index := make(map[key]*UsageDelta)
	var out []*UsageDelta
	for _, ev := range events {
		k := key{ev.UserID, ev.Month}
		d, ok := index[k]
		if !ok {
			d = &UsageDelta{UserID: ev.UserID, Month: ev.Month}
			index[k] = d
			out = append(out, d)
		}
		d.Add(ev)
	}
	return out
}
