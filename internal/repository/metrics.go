package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/model"
)

type MetricsRepository interface {
	FindBySessionID(ctx context.Context, sessionID string) (*model.SessionMetrics, error)
	// Merge applies the delta using each field's merge policy in one statement.
	Merge(ctx context.Context, sessionID string, delta model.MetricsDelta) error
	WithTx(tx *sqlx.Tx) MetricsRepository
}

type metricsRepo struct {
	db sqlxDB
}

func NewMetricsRepository(db *sqlx.DB) MetricsRepository {
	return &metricsRepo{db: db}
}

func (r *metricsRepo) WithTx(tx *sqlx.Tx) MetricsRepository {
	return &metricsRepo{db: tx}
}

func (r *metricsRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.SessionMetrics, error) {
	var metrics model.SessionMetrics
	err := r.db.GetContext(ctx, &metrics, `
		SELECT * FROM session_metrics WHERE session_id = $1
	`, sessionID)
	return HandleNotFound(&metrics, err)
}

func (r *metricsRepo) Merge(ctx context.Context, sessionID string, delta model.MetricsDelta) error {
	query, args, ok := buildMetricsUpsert(sessionID, delta)
	if !ok {
		return nil
	}
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// buildMetricsUpsert renders an INSERT ... ON CONFLICT DO UPDATE covering the
// set fields of delta. ok is false when the delta is empty.
func buildMetricsUpsert(sessionID string, delta model.MetricsDelta) (string, []interface{}, bool) {
	columns := []string{"session_id"}
	placeholders := []string{"$1"}
	sets := make([]string, 0, len(model.MetricFields)+1)
	args := []interface{}{sessionID}

	for _, field := range model.MetricFields {
		value, ok := field.Value(&delta)
		if !ok {
			continue
		}
		args = append(args, value)
		columns = append(columns, field.Column)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))

		col := field.Column
		switch field.Policy {
		case model.MergeMax:
			sets = append(sets, fmt.Sprintf("%s = GREATEST(session_metrics.%s, EXCLUDED.%s)", col, col, col))
		case model.MergeAdd:
			sets = append(sets, fmt.Sprintf("%s = session_metrics.%s + EXCLUDED.%s", col, col, col))
		default:
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	if len(sets) == 0 {
		return "", nil, false
	}
	sets = append(sets, "updated_at = NOW()")

	query := fmt.Sprintf(
		"INSERT INTO session_metrics (%s) VALUES (%s) ON CONFLICT (session_id) DO UPDATE SET %s",
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
	)
	return query, args, true
}
