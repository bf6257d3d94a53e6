package storage

import (
	"context"
	"database/sql"
	"fmt"

	"chart-sync/src/logger"
	"chart-sync/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type AsyncSQLiteDB struct {
	sqlTables
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewAsyncSQLiteDB(cfg *models.MConfig, log *logger.Logger) (*AsyncSQLiteDB, error) {
	return &AsyncSQLiteDB{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Initialize() error {
	dsn := d.Config.Storage.DBPath

	// Open DB
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	// An in-memory database lives as long as its connection
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	d.DB = db
	d.sqlTables = sqlTables{
		db:      db,
		configs: "chart_configs",
		points:  "series_points",
		bind:    func(int) string { return "?" },
	}

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) createTables() error {
	// SQLite types: INTEGER for int64, REAL for float64, TEXT for string
	query := `
		CREATE TABLE IF NOT EXISTS chart_configs (
			chart_id INTEGER PRIMARY KEY,
			config TEXT NOT NULL,
			updated_at INTEGER
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create chart_configs: %w", err)
	}

	query = `
		CREATE TABLE IF NOT EXISTS series_points (
			series_id TEXT,
			time INTEGER,
			open REAL,
			high REAL,
			low REAL,
			close REAL,
			volume REAL,
			vals TEXT,
			PRIMARY KEY (series_id, time)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create series_points: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) GetChartConfig(ctx context.Context, chartID int64) (*models.ChartConfig, error) {
	return d.getChartConfig(ctx, chartID)
}

func (d *AsyncSQLiteDB) SaveChartConfig(ctx context.Context, cfg *models.ChartConfig) error {
	return d.saveChartConfig(ctx, cfg)
}

func (d *AsyncSQLiteDB) ListChartIDs(ctx context.Context) ([]int64, error) {
	return d.listChartIDs(ctx)
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) FetchHistory(ctx context.Context, req models.HistoryRequest) ([]models.HistoryRecord, error) {
	return d.fetchHistory(ctx, req)
}

func (d *AsyncSQLiteDB) SaveHistoryBulk(ctx context.Context, seriesID string, records []models.HistoryRecord) error {
	return d.saveHistoryBulk(ctx, seriesID, records)
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
