package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSnapshotSQL = `INSERT INTO snapshots (
        id,
        taken_at,
        healthy_sources,
        total_sources,
        status,
        sources,
        event_count
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO NOTHING;`

	insertTickerSampleSQL = `INSERT INTO ticker_samples (
        snapshot_id,
        symbol,
        price,
        volume,
        change_24h,
        source,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (snapshot_id, symbol) DO NOTHING;`

	listRecentSnapshotsSQL = `SELECT
        id,
        taken_at,
        healthy_sources,
        total_sources,
        status,
        sources,
        event_count,
        created_at
    FROM snapshots
    ORDER BY taken_at DESC
    LIMIT $1;`

	upsertAlertSQL = `INSERT INTO alerts (
        id,
        algorithm,
        symbol,
        severity,
        confidence,
        reason,
        details,
        status,
        actions,
        raised_at,
        resolved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (id) DO UPDATE
    SET status      = EXCLUDED.status,
        actions     = EXCLUDED.actions,
        resolved_at = EXCLUDED.resolved_at;`

	listRecentAlertsSQL = `SELECT
        id,
        algorithm,
        symbol,
        severity,
        confidence::text,
        reason,
        details,
        status,
        actions,
        raised_at,
        resolved_at,
        created_at
    FROM alerts
    ORDER BY raised_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE raised_at < $1;`

	insertReportSQL = `INSERT INTO reports (
        id,
        analysed_at,
        omniscience,
        prediction_confidence,
        mean_predictability,
        market_determinism,
        intervention_risk,
        decision,
        forecast,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO NOTHING;`

	reportColumns = `id,
        analysed_at,
        omniscience::text,
        prediction_confidence::text,
        mean_predictability::text,
        market_determinism::text,
        intervention_risk::text,
        decision,
        forecast,
        payload,
        created_at`

	listReportsBetweenSQL = `SELECT ` + reportColumns + `
    FROM reports
    WHERE analysed_at >= $1
      AND analysed_at < $2
    ORDER BY analysed_at
    LIMIT $3;`

	listRecentReportsSQL = `SELECT ` + reportColumns + `
    FROM reports
    ORDER BY analysed_at DESC
    LIMIT $1;`

	countReportsSQL = `SELECT COUNT(*) FROM reports;`

	insertDivergenceSQL = `INSERT INTO divergences (
        id,
        agent_id,
        score,
        severity,
        factors,
        raised_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentDivergencesSQL = `SELECT
        id,
        agent_id,
        score::text,
        severity,
        factors,
        raised_at,
        created_at
    FROM divergences
    ORDER BY raised_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore persists collector snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap SnapshotRecord) error
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	UpsertAlert(ctx context.Context, alert AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// ReportStore persists orchestrator analysis reports.
type ReportStore interface {
	InsertReport(ctx context.Context, report ReportRecord) error
	ListReportsBetween(ctx context.Context, from, to time.Time, limit int) ([]ReportRecord, error)
	ListRecentReports(ctx context.Context, limit int) ([]ReportRecord, error)
	CountReports(ctx context.Context) (int64, error)
}

// DivergenceStore persists behavioral divergences.
type DivergenceStore interface {
	InsertDivergence(ctx context.Context, d DivergenceRecord) error
	ListRecentDivergences(ctx context.Context, limit int) ([]DivergenceRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates every table behind one pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the connection closes.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSnapshot stores a snapshot and its ticker samples in one transaction.
func (s *Store) InsertSnapshot(ctx context.Context, snap SnapshotRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertSnapshotSQL,
			snap.ID,
			snap.Timestamp,
			snap.Healthy,
			snap.Total,
			snap.Status,
			snap.Sources,
			snap.Events,
		); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		for _, t := range snap.Tickers {
			if _, err := tx.Exec(ctx, insertTickerSampleSQL,
				snap.ID,
				t.Symbol,
				t.Price.String(),
				t.Volume.String(),
				t.Change24h.String(),
				t.Source,
				t.ObservedAt,
			); err != nil {
				return fmt.Errorf("insert ticker sample %s: %w", t.Symbol, err)
			}
		}
		return nil
	})
}

// ListRecentSnapshots lists snapshot summaries, most recent first. Ticker samples are not loaded.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]SnapshotRecord, 0, limit)
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&rec.Healthy,
			&rec.Total,
			&rec.Status,
			&rec.Sources,
			&rec.Events,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertAlert persists an alert or updates its resolution.
func (s *Store) UpsertAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertAlertSQL,
		alert.ID,
		alert.Algorithm,
		alert.Symbol,
		alert.Severity,
		alert.Confidence.String(),
		alert.Reason,
		alert.Details,
		alert.Status,
		alert.Actions,
		alert.RaisedAt,
		alert.ResolvedAt,
	); err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec        AlertRecord
			confidence string
			resolved   sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Algorithm,
			&rec.Symbol,
			&rec.Severity,
			&confidence,
			&rec.Reason,
			&rec.Details,
			&rec.Status,
			&rec.Actions,
			&rec.RaisedAt,
			&resolved,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.Confidence, err = decimal.NewFromString(confidence); err != nil {
			return nil, fmt.Errorf("parse confidence: %w", err)
		}
		if resolved.Valid {
			at := resolved.Time
			rec.ResolvedAt = &at
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// InsertReport persists an analysis report.
func (s *Store) InsertReport(ctx context.Context, r ReportRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertReportSQL,
		r.ID,
		r.At,
		r.Omniscience.String(),
		r.PredictionConfidence.String(),
		r.MeanPredictability.String(),
		r.MarketDeterminism.String(),
		r.InterventionRisk.String(),
		r.Decision,
		r.Forecast,
		r.Payload,
	); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// ListReportsBetween lists reports in [from, to) oldest first.
func (s *Store) ListReportsBetween(ctx context.Context, from, to time.Time, limit int) ([]ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listReportsBetweenSQL, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports between: %w", err)
	}
	return collectReports(rows)
}

// ListRecentReports lists the latest reports, most recent first.
func (s *Store) ListRecentReports(ctx context.Context, limit int) ([]ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentReportsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent reports: %w", err)
	}
	return collectReports(rows)
}

// CountReports counts stored reports.
func (s *Store) CountReports(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReportsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count reports: %w", scanErr)
	}
	return count, nil
}

// InsertDivergence persists a divergence alert.
func (s *Store) InsertDivergence(ctx context.Context, d DivergenceRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertDivergenceSQL,
		d.ID,
		d.AgentID,
		d.Score.String(),
		d.Severity,
		d.Factors,
		d.RaisedAt,
	); err != nil {
		return fmt.Errorf("insert divergence: %w", err)
	}
	return nil
}

// ListRecentDivergences lists the latest divergences.
func (s *Store) ListRecentDivergences(ctx context.Context, limit int) ([]DivergenceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentDivergencesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent divergences: %w", err)
	}
	defer rows.Close()

	out := make([]DivergenceRecord, 0, limit)
	for rows.Next() {
		var (
			rec   DivergenceRecord
			score string
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &score, &rec.Severity, &rec.Factors, &rec.RaisedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if rec.Score, err = decimal.NewFromString(score); err != nil {
			return nil, fmt.Errorf("parse divergence score: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectReports(rows pgx.Rows) ([]ReportRecord, error) {
	defer rows.Close()
	var out []ReportRecord
	for rows.Next() {
		rec, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanReport(rows pgx.Rows) (ReportRecord, error) {
	var (
		rec                                        ReportRecord
		omni, predConf, predictability, determ, ir string
		payload                                    json.RawMessage
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.At,
		&omni,
		&predConf,
		&predictability,
		&determ,
		&ir,
		&rec.Decision,
		&rec.Forecast,
		&payload,
		&rec.CreatedAt,
	); err != nil {
		return ReportRecord{}, err
	}
	rec.Payload = payload

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"omniscience", omni, &rec.Omniscience},
		{"prediction confidence", predConf, &rec.PredictionConfidence},
		{"mean predictability", predictability, &rec.MeanPredictability},
		{"market determinism", determ, &rec.MarketDeterminism},
		{"intervention risk", ir, &rec.InterventionRisk},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return ReportRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return rec, nil
}
