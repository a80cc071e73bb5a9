package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, loads .env when present and applies PREDICT_* overrides. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and endpoints at deploy
// time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// market
	setUint64(&cfg.Market.FeeBPS, "PREDICT_MARKET_FEE_BPS")
	setUint64(&cfg.Market.FeeDenominator, "PREDICT_MARKET_FEE_DENOMINATOR")
	setBool(&cfg.Market.AllowEarlyResolution, "PREDICT_MARKET_ALLOW_EARLY_RESOLUTION")
	setInt(&cfg.Market.MaxQuestionLen, "PREDICT_MARKET_MAX_QUESTION_LEN")
	setStringSlice(&cfg.Market.CollateralAssets, "PREDICT_MARKET_COLLATERAL_ASSETS")

	// postgres
	setStr(&cfg.Postgres.DSN, "PREDICT_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "PREDICT_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "PREDICT_POSTGRES_MAX_IDLE_CONNS")

	// nats
	setStr(&cfg.NATS.URL, "PREDICT_NATS_URL")
	setBool(&cfg.NATS.Enabled, "PREDICT_NATS_ENABLED")

	// redis
	setStr(&cfg.Redis.Addr, "PREDICT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICT_REDIS_DB")
	setStr(&cfg.Redis.LeaseKey, "PREDICT_REDIS_LEASE_KEY")
	setDuration(&cfg.Redis.LeaseTTL, "PREDICT_REDIS_LEASE_TTL")

	// s3
	setStr(&cfg.S3.Endpoint, "PREDICT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREDICT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREDICT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PREDICT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PREDICT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREDICT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PREDICT_S3_FORCE_PATH_STYLE")

	// core
	setInt(&cfg.Core.PersistChanSize, "PREDICT_PERSIST_CHAN_SIZE")
	setInt(&cfg.Core.ProjectionChanSize, "PREDICT_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Core.IdempotencyLRUCapacity, "PREDICT_IDEMPOTENCY_LRU_CAPACITY")
	setInt64(&cfg.Core.SnapshotInterval, "PREDICT_SNAPSHOT_INTERVAL")

	// persist
	setInt(&cfg.Persist.BatchSize, "PREDICT_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Persist.FlushTimeout, "PREDICT_PERSIST_FLUSH_TIMEOUT")

	// server
	setStr(&cfg.Server.GRPCAddr, "PREDICT_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "PREDICT_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "PREDICT_METRICS_ADDR")

	setStr(&cfg.LogLevel, "PREDICT_LOG_LEVEL")
	setStr(&cfg.MigrationsDir, "PREDICT_MIGRATIONS_DIR")
}

// Each helper only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
