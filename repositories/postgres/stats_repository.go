package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewledger/ai-gateway/models"
	"github.com/crewledger/ai-gateway/services"
	"go.uber.org/zap"
)

// StatsRepository reads business aggregates from the main application's
// tables (clients, workers, time_sheets, quotes). It never writes.
type StatsRepository struct {
	db     *DB
	now    func() time.Time
	logger *zap.Logger
}

// NewStatsRepository creates a stats repository; periods are computed in loc
func NewStatsRepository(db *DB, loc *time.Location, logger *zap.Logger) *StatsRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &StatsRepository{
		db:     db,
		now:    func() time.Time { return time.Now().In(loc) },
		logger: logger,
	}
}

// GetDashboardStats returns the business overview for period
func (r *StatsRepository) GetDashboardStats(ctx context.Context, period models.Period) (*models.DashboardStats, error) {
	from, to := period.Range(r.now())

	query := `
		SELECT
			(SELECT COUNT(DISTINCT client_id) FROM time_sheets WHERE work_date >= $1 AND work_date < $2),
			(SELECT COUNT(DISTINCT worker_id) FROM time_sheets WHERE work_date >= $1 AND work_date < $2),
			(SELECT COALESCE(SUM(hours), 0) FROM time_sheets WHERE work_date >= $1 AND work_date < $2),
			(SELECT COUNT(*) FROM quotes WHERE created_at >= $1 AND created_at < $2),
			(SELECT COUNT(*) FROM quotes WHERE status = 'accepted' AND created_at >= $1 AND created_at < $2),
			(SELECT COALESCE(SUM(total), 0) FROM quotes WHERE created_at >= $1 AND created_at < $2),
			(SELECT COALESCE(SUM(total), 0) FROM quotes WHERE status = 'accepted' AND created_at >= $1 AND created_at < $2)
	`

	stats := &models.DashboardStats{Period: period, From: from, To: to}
	err := r.db.QueryRowContext(ctx, query, from, to).Scan(
		&stats.ActiveClients,
		&stats.ActiveWorkers,
		&stats.HoursWorked,
		&stats.QuotesSent,
		&stats.QuotesAccepted,
		&stats.QuotedAmount,
		&stats.AcceptedAmount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get dashboard stats: %w", err)
	}

	r.logger.Debug("dashboard stats loaded",
		zap.String("period", string(period)),
		zap.Float64("hours", stats.HoursWorked))
	return stats, nil
}

// GetDetailedStats returns hours per worker and client plus a quote summary
func (r *StatsRepository) GetDetailedStats(ctx context.Context, filter models.StatsFilter) (*models.DetailedStats, error) {
	from, to := filter.Period.Range(r.now())

	if filter.ClientID != nil {
		if err := r.ensureExists(ctx, "clients", *filter.ClientID); err != nil {
			return nil, err
		}
	}
	if filter.WorkerID != nil {
		if err := r.ensureExists(ctx, "workers", *filter.WorkerID); err != nil {
			return nil, err
		}
	}

	stats := &models.DetailedStats{Filter: filter, From: from, To: to}

	byWorker := `
		SELECT w.id, w.name, COALESCE(SUM(ts.hours), 0)
		FROM time_sheets ts
		JOIN workers w ON w.id = ts.worker_id
		WHERE ts.work_date >= $1 AND ts.work_date < $2
		  AND ($3::bigint IS NULL OR ts.client_id = $3)
		  AND ($4::bigint IS NULL OR ts.worker_id = $4)
		GROUP BY w.id, w.name
		ORDER BY 3 DESC
	`
	var err error
	stats.HoursByWorker, err = r.queryHours(ctx, byWorker, from, to, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get hours by worker: %w", err)
	}

	byClient := `
		SELECT c.id, c.name, COALESCE(SUM(ts.hours), 0)
		FROM time_sheets ts
		JOIN clients c ON c.id = ts.client_id
		WHERE ts.work_date >= $1 AND ts.work_date < $2
		  AND ($3::bigint IS NULL OR ts.client_id = $3)
		  AND ($4::bigint IS NULL OR ts.worker_id = $4)
		GROUP BY c.id, c.name
		ORDER BY 3 DESC
	`
	stats.HoursByClient, err = r.queryHours(ctx, byClient, from, to, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get hours by client: %w", err)
	}

	quotes := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'accepted'),
			COALESCE(SUM(total), 0),
			COALESCE(SUM(total) FILTER (WHERE status = 'accepted'), 0)
		FROM quotes
		WHERE created_at >= $1 AND created_at < $2
		  AND ($3::bigint IS NULL OR client_id = $3)
	`
	err = r.db.QueryRowContext(ctx, quotes, from, to, filter.ClientID).Scan(
		&stats.Quotes.Count,
		&stats.Quotes.Accepted,
		&stats.Quotes.TotalAmount,
		&stats.Quotes.AcceptedAmount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote summary: %w", err)
	}

	return stats, nil
}

func (r *StatsRepository) queryHours(ctx context.Context, query string, from, to time.Time, filter models.StatsFilter) ([]models.HoursByName, error) {
	rows, err := r.db.QueryContext(ctx, query, from, to, filter.ClientID, filter.WorkerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.HoursByName{}
	for rows.Next() {
		var row models.HoursByName
		if err := rows.Scan(&row.ID, &row.Name, &row.Hours); err != nil {
			return nil, err
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// ensureExists maps a filter on an unknown id to a not found error
func (r *StatsRepository) ensureExists(ctx context.Context, table string, id int64) error {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, table)

	var one int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("no %s with id %d", table[:len(table)-1], id), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", table, err)
	}
	return nil
}
