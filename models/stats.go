package models

import (
	"fmt"
	"time"
)

// Period is a reporting range ending now
type Period string

const (
	PeriodToday   Period = "today"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
	PeriodYear    Period = "year"
)

// Periods lists every valid period in display order
var Periods = []Period{PeriodToday, PeriodWeek, PeriodMonth, PeriodQuarter, PeriodYear}

// ParsePeriod validates a period name
func ParsePeriod(s string) (Period, error) {
	for _, p := range Periods {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Range returns the calendar range of the period containing now.
// Weeks start on Monday; the end is always now.
func (p Period) Range(now time.Time) (from, to time.Time) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch p {
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		from = day.AddDate(0, 0, -offset)
	case PeriodMonth:
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	case PeriodQuarter:
		first := time.Month((int(now.Month())-1)/3*3 + 1)
		from = time.Date(now.Year(), first, 1, 0, 0, 0, 0, now.Location())
	case PeriodYear:
		from = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
	default:
		from = day
	}
	return from, now
}

// StatsFilter narrows a stats query
type StatsFilter struct {
	Period   Period `json:"period"`
	ClientID *int64 `json:"client_id,omitempty"`
	WorkerID *int64 `json:"worker_id,omitempty"`
}

// DashboardStats is the business overview for a period
type DashboardStats struct {
	Period         Period    `json:"period"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	ActiveClients  int       `json:"active_clients"`
	ActiveWorkers  int       `json:"active_workers"`
	HoursWorked    float64   `json:"hours_worked"`
	QuotesSent     int       `json:"quotes_sent"`
	QuotesAccepted int       `json:"quotes_accepted"`
	QuotedAmount   float64   `json:"quoted_amount"`
	AcceptedAmount float64   `json:"accepted_amount"`
}

// AcceptanceRate returns accepted quotes over sent quotes, 0 when none were sent
func (s *DashboardStats) AcceptanceRate() float64 {
	if s.QuotesSent == 0 {
		return 0
	}
	return float64(s.QuotesAccepted) / float64(s.QuotesSent)
}

// HoursByName is a row of hours grouped by a worker or client
type HoursByName struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Hours float64 `json:"hours"`
}

// QuoteSummary aggregates quotes for a period
type QuoteSummary struct {
	Count          int     `json:"count"`
	Accepted       int     `json:"accepted"`
	TotalAmount    float64 `json:"total_amount"`
	AcceptedAmount float64 `json:"accepted_amount"`
}

// DetailedStats breaks hours and quotes down per worker and client
type DetailedStats struct {
	Filter        StatsFilter   `json:"filter"`
	From          time.Time     `json:"from"`
	To            time.Time     `json:"to"`
	HoursByWorker []HoursByName `json:"hours_by_worker"`
	HoursByClient []HoursByName `json:"hours_by_client"`
	Quotes        QuoteSummary  `json:"quotes"`
}
