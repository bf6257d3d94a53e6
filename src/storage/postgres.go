package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"chart-sync/src/logger"
	"chart-sync/src/models"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

type PostgresDB struct {
	sqlTables
	Config *models.MConfig
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

// NewPostgresDB keeps every table in a schema named after the application.
func NewPostgresDB(cfg *models.MConfig, log *logger.Logger) (*PostgresDB, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("postgres storage needs an application name for its schema")
	}
	return &PostgresDB{
		Config: cfg,
		Schema: cfg.Name,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize() error {
	dsn := d.Config.Storage.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db
	d.sqlTables = sqlTables{
		db:      db,
		configs: fmt.Sprintf(`"%s"."chart_configs"`, d.Schema),
		points:  fmt.Sprintf(`"%s"."series_points"`, d.Schema),
		bind:    func(n int) string { return "$" + strconv.Itoa(n) },
	}

	// Create Schema
	if _, err := d.DB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", d.Schema, err)
	}

	if err := d.createTables(); err != nil {
		return err
	}

	d.Logger.Info("PostgresDB initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) createTables() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chart_id BIGINT PRIMARY KEY,
			config JSONB NOT NULL,
			updated_at BIGINT
		);
	`, d.configs)
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create chart_configs: %w", err)
	}

	query = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			series_id TEXT,
			time BIGINT,
			open DOUBLE PRECISION,
			high DOUBLE PRECISION,
			low DOUBLE PRECISION,
			close DOUBLE PRECISION,
			volume DOUBLE PRECISION,
			vals JSONB,
			PRIMARY KEY (series_id, time)
		);
	`, d.points)
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create series_points: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) GetChartConfig(ctx context.Context, chartID int64) (*models.ChartConfig, error) {
	return d.getChartConfig(ctx, chartID)
}

func (d *PostgresDB) SaveChartConfig(ctx context.Context, cfg *models.ChartConfig) error {
	return d.saveChartConfig(ctx, cfg)
}

func (d *PostgresDB) ListChartIDs(ctx context.Context) ([]int64, error) {
	return d.listChartIDs(ctx)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) FetchHistory(ctx context.Context, req models.HistoryRequest) ([]models.HistoryRecord, error) {
	return d.fetchHistory(ctx, req)
}

func (d *PostgresDB) SaveHistoryBulk(ctx context.Context, seriesID string, records []models.HistoryRecord) error {
	return d.saveHistoryBulk(ctx, seriesID, records)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
