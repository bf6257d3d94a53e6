package models

// MConfig Structure
type MConfig struct {
	Name     string           `yaml:"name" env:"CHART_SYNC_NAME"`
	Host     string           `yaml:"host" env:"CHART_SYNC_HOST"`
	Port     int              `yaml:"port" env:"CHART_SYNC_PORT"`
	LogLevel string           `yaml:"log_level" env:"CHART_SYNC_LOG_LEVEL"`
	GrpcHost string           `yaml:"grpc_host" env:"CHART_SYNC_GRPC_HOST"`
	GrpcPort int              `yaml:"grpc_port" env:"CHART_SYNC_GRPC_PORT"`
	Storage  MStorageConfig   `yaml:"storage" envPrefix:"CHART_SYNC_STORAGE_"`
	Network  MNetworkConfig   `yaml:"network" envPrefix:"CHART_SYNC_NETWORK_"`
	Channels []MChannelConfig `yaml:"channels"`
	History  MHistoryConfig   `yaml:"history" envPrefix:"CHART_SYNC_HISTORY_"`
	Series   MSeriesConfig    `yaml:"series" envPrefix:"CHART_SYNC_SERIES_"`
	Feed     MFeedConfig      `yaml:"feed" envPrefix:"CHART_SYNC_FEED_"`
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type" env:"DB_TYPE"` // sqlite | postgres | redis | memory
	DBPath             string `yaml:"db_path" env:"DB_PATH"`
	DBConnectionString string `yaml:"db_connection_string" env:"DB_CONNECTION_STRING"`
	RedisAddr          string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword      string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB            int    `yaml:"redis_db" env:"REDIS_DB"`
}

type MNetworkConfig struct {
	RequestTimeout int    `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries     int    `yaml:"retries" env:"RETRIES"`
	UserAgent      string `yaml:"user_agent" env:"USER_AGENT"`
}

// MChannelConfig declares one push topic and the URL serving it.
type MChannelConfig struct {
	Topic   string `yaml:"topic"`
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

type MHistoryConfig struct {
	Source        string  `yaml:"source" env:"SOURCE"` // http | storage
	BaseURL       string  `yaml:"base_url" env:"BASE_URL"`
	PageSize      int     `yaml:"page_size" env:"PAGE_SIZE"`
	Threshold     float64 `yaml:"threshold" env:"THRESHOLD"`
	SettleDelayMs int     `yaml:"settle_delay_ms" env:"SETTLE_DELAY_MS"`
}

type MSeriesConfig struct {
	SuppressMainPaneZero bool `yaml:"suppress_main_pane_zero" env:"SUPPRESS_MAIN_PANE_ZERO"`
	SubscriberBuffer     int  `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
}

// MFeedConfig drives the development push feed (cmd/feed).
type MFeedConfig struct {
	Host       string   `yaml:"host" env:"HOST"`
	Port       int      `yaml:"port" env:"PORT"`
	IntervalMs int      `yaml:"interval_ms" env:"INTERVAL_MS"`
	Series     []string `yaml:"series,omitempty" env:"SERIES" envSeparator:","`
}
