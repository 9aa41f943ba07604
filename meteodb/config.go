package meteodb

import "flag"

type Config struct {
	Driver string `yaml:"driver"`
	// DSN is the sqlite connection string. UTC location and WAL journaling
	// matter: measurements are compared lexicographically as stored
	// timestamps, and inserts must not block concurrent readers.
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`
	// InsertBatchSize bounds the parameter count of one bulk upsert
	// statement; sqlite caps bound variables per statement.
	InsertBatchSize int `yaml:"insert_batch_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	if f != nil {
		f.StringVar(&cfg.DSN, prefix+"dsn", "", "Database connection string.")
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.DSN == "" {
		cfg.DSN = "file:meteoservice.db?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.InsertBatchSize == 0 {
		cfg.InsertBatchSize = 150
	}
}
