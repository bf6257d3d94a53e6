package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"chart-sync/src/helpers"
	"chart-sync/src/logger"
	"chart-sync/src/models"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "chart-sync:"

// RedisDB keeps chart configs in one hash and each series in a sorted set
// scored by point time.
type RedisDB struct {
	Config *models.MConfig
	Client *redis.Client
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewRedisDB(cfg *models.MConfig, log *logger.Logger) (*RedisDB, error) {
	return &RedisDB{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *RedisDB) Initialize() error {
	d.Client = redis.NewClient(&redis.Options{
		Addr:     d.Config.Storage.RedisAddr,
		Password: d.Config.Storage.RedisPassword,
		DB:       d.Config.Storage.RedisDB,
	})

	if err := d.Client.Ping(context.Background()).Err(); err != nil {
		return helpers.NewError(helpers.KindStorage, err, "ping redis at %s", d.Config.Storage.RedisAddr)
	}

	d.Logger.Info("RedisDB initialized successfully (Addr: %s)", d.Config.Storage.RedisAddr)
	return nil
}

// -----------------------------------------------------------------------------

func configsKey() string {
	return redisKeyPrefix + "configs"
}

func seriesKey(seriesID string) string {
	return redisKeyPrefix + "series:" + seriesID
}

// -----------------------------------------------------------------------------

func (d *RedisDB) GetChartConfig(ctx context.Context, chartID int64) (*models.ChartConfig, error) {
	raw, err := d.Client.HGet(ctx, configsKey(), strconv.FormatInt(chartID, 10)).Result()
	if err == redis.Nil {
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

func (d *RedisDB) SaveChartConfig(ctx context.Context, cfg *models.ChartConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := d.Client.HSet(ctx, configsKey(), strconv.FormatInt(cfg.ChartID, 10), data).Err(); err != nil {
		return helpers.NewError(helpers.KindStorage, err, "save config of chart %d", cfg.ChartID)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *RedisDB) ListChartIDs(ctx context.Context) ([]int64, error) {
	fields, err := d.Client.HKeys(ctx, configsKey()).Result()
	if err != nil {
		return nil, helpers.NewError(helpers.KindStorage, err, "list charts")
	}

	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			d.Logger.Warning("Skipping malformed chart id %q", f)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// -----------------------------------------------------------------------------

func (d *RedisDB) FetchHistory(ctx context.Context, req models.HistoryRequest) ([]models.HistoryRecord, error) {
	upper := "+inf"
	if req.Before != 0 {
		upper = strconv.FormatInt(req.Before, 10)
	}

	members, err := d.Client.ZRevRangeByScore(ctx, seriesKey(req.SeriesID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: int64(req.Limit),
	}).Result()
	if err != nil {
		return nil, helpers.NewError(helpers.KindStorage, err, "fetch history of %s", req.SeriesID)
	}

	records := make([]models.HistoryRecord, 0, len(members))
	for _, m := range members {
		var rec models.HistoryRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			d.Logger.Warning("Skipping malformed record in %s: %v", req.SeriesID, err)
			continue
		}
		records = append(records, rec)
	}

	reverse(records)
	return records, nil
}

// -----------------------------------------------------------------------------

// SaveHistoryBulk replaces any member at the same time before adding, so a
// time holds exactly one record.
func (d *RedisDB) SaveHistoryBulk(ctx context.Context, seriesID string, records []models.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	key := seriesKey(seriesID)
	_, err := d.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			score := strconv.FormatInt(rec.Time, 10)
			pipe.ZRemRangeByScore(ctx, key, score, score)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(rec.Time), Member: data})
		}
		return nil
	})
	if err != nil {
		return helpers.NewError(helpers.KindStorage, err, "save history of %s", seriesID)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *RedisDB) Close() error {
	if d.Client != nil {
		return d.Client.Close()
	}
	return nil
}
