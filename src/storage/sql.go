package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chart-sync/src/helpers"
	"chart-sync/src/models"
)

// sqlTables holds the queries shared by the SQL backends. Only the
// placeholder syntax and the table qualification differ between them.
type sqlTables struct {
	db      *sql.DB
	configs string
	points  string
	bind    func(n int) string
}

// -----------------------------------------------------------------------------

func (t *sqlTables) placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = t.bind(from + i)
	}
	return strings.Join(parts, ", ")
}

// -----------------------------------------------------------------------------

func (t *sqlTables) getChartConfig(ctx context.Context, chartID int64) (*models.ChartConfig, error) {
	query := fmt.Sprintf(`SELECT config FROM %s WHERE chart_id = %s`, t.configs, t.bind(1))

	var raw string
	err := t.db.QueryRowContext(ctx, query, chartID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, helpers.NewError(helpers.KindStorage, err, "get config of chart %d", chartID)
	}

	var cfg models.ChartConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, helpers.NewError(helpers.KindDecode, err, "config of chart %d", chartID)
	}
	cfg.ChartID = chartID
	return &cfg, nil
}

// -----------------------------------------------------------------------------

func (t *sqlTables) saveChartConfig(ctx context.Context, cfg *models.ChartConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (chart_id, config, updated_at)
		VALUES (%s)
		ON CONFLICT (chart_id) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`, t.configs, t.placeholders(1, 3))

	if _, err := t.db.ExecContext(ctx, query, cfg.ChartID, string(data), time.Now().UTC().Unix()); err != nil {
		return helpers.NewError(helpers.KindStorage, err, "save config of chart %d", cfg.ChartID)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (t *sqlTables) listChartIDs(ctx context.Context) ([]int64, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`SELECT chart_id FROM %s ORDER BY chart_id`, t.configs))
	if err != nil {
		return nil, helpers.NewError(helpers.KindStorage, err, "list charts")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// -----------------------------------------------------------------------------

// fetchHistory returns up to req.Limit rows at or before req.Before, oldest
// first. The row at req.Before, when present, is the overlap anchor.
func (t *sqlTables) fetchHistory(ctx context.Context, req models.HistoryRequest) ([]models.HistoryRecord, error) {
	query := fmt.Sprintf(`SELECT time, open, high, low, close, volume, vals FROM %s WHERE series_id = %s`, t.points, t.bind(1))
	args := []any{req.SeriesID}
	if req.Before != 0 {
		query += fmt.Sprintf(` AND time <= %s`, t.bind(2))
		args = append(args, req.Before)
	}
	query += fmt.Sprintf(` ORDER BY time DESC LIMIT %s`, t.bind(len(args)+1))
	args = append(args, req.Limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, helpers.NewError(helpers.KindStorage, err, "fetch history of %s", req.SeriesID)
	}
	defer rows.Close()

	var records []models.HistoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverse(records)
	return records, nil
}

// -----------------------------------------------------------------------------

func (t *sqlTables) saveHistoryBulk(ctx context.Context, seriesID string, records []models.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (series_id, time, open, high, low, close, volume, vals)
		VALUES (%s)
		ON CONFLICT (series_id, time) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			vals = excluded.vals
	`, t.points, t.placeholders(1, 8)))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		row, err := newRecordRow(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, seriesID, rec.Time, row.open, row.high, row.low, row.close, row.volume, row.vals); err != nil {
			return helpers.NewError(helpers.KindStorage, err, "save %s at %d", seriesID, rec.Time)
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

// recordRow is the column form of a history record: bar columns are NULL for
// indicator rows and vals is NULL for kline rows.
type recordRow struct {
	open, high, low, close, volume sql.NullFloat64
	vals                           sql.NullString
}

func newRecordRow(rec models.HistoryRecord) (recordRow, error) {
	var row recordRow
	if rec.Bar != nil {
		row.open = sql.NullFloat64{Float64: rec.Bar.Open, Valid: true}
		row.high = sql.NullFloat64{Float64: rec.Bar.High, Valid: true}
		row.low = sql.NullFloat64{Float64: rec.Bar.Low, Valid: true}
		row.close = sql.NullFloat64{Float64: rec.Bar.Close, Valid: true}
		row.volume = sql.NullFloat64{Float64: rec.Bar.Volume, Valid: true}
	}
	if len(rec.Values) > 0 {
		data, err := json.Marshal(rec.Values)
		if err != nil {
			return row, err
		}
		row.vals = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (models.HistoryRecord, error) {
	var rec models.HistoryRecord
	var row recordRow
	if err := s.Scan(&rec.Time, &row.open, &row.high, &row.low, &row.close, &row.volume, &row.vals); err != nil {
		return rec, err
	}
	if row.close.Valid {
		rec.Bar = &models.Bar{
			Open:   row.open.Float64,
			High:   row.high.Float64,
			Low:    row.low.Float64,
			Close:  row.close.Float64,
			Volume: row.volume.Float64,
		}
	}
	if row.vals.Valid {
		if err := json.Unmarshal([]byte(row.vals.String), &rec.Values); err != nil {
			return rec, helpers.NewError(helpers.KindDecode, err, "values at %d", rec.Time)
		}
	}
	return rec, nil
}

func reverse(records []models.HistoryRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
