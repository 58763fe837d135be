// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the immutable process-wide configuration shared by
// the API, downloader, and worker binaries from environment variables.
// Each binary loads once at startup and passes typed sub-views (Postgres,
// ObjectStore, Redis, Bus, Observability) into the components that need them, rather
// than threading *Config through call chains.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Postgres holds catalog/credit-ledger database connection settings.
type Postgres struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ObjectStore holds the gridded-product blob storage settings.
type ObjectStore struct {
	ProjectID      string
	Bucket         string
	CredentialsKey string
}

// Redis holds the idempotency/credit-cache settings.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Bus holds the message-bus connection settings.
type Bus struct {
	URL         string
	StreamName  string
	DurableName string
}

// Observability holds tracing and metrics export settings.
type Observability struct {
	ServiceName         string
	OTLPEndpoint        string
	TraceSampleFraction float64
}

// Config is the root configuration, built once via Load.
type Config struct {
	Environment   string
	LogLevel      string
	LogJSON       bool
	HTTPAddr      string
	Postgres      Postgres
	ObjectStore   ObjectStore
	Redis         Redis
	Bus           Bus
	Observability Observability

	// WorkerConcurrency bounds the downloader's concurrent fetches. The
	// build worker does not read it; it handles one delivery at a time.
	WorkerConcurrency int

	// WorkerMaxTries is how many ClaimRequest attempts a build gets
	// before the worker gives up and marks it permanently failed.
	// Default 3.
	WorkerMaxTries int

	// WorkerSoftDeadline is the visibility timeout ClaimRequest uses: a
	// running request whose LastDate is older than this is assumed to
	// belong to a crashed worker and can be reclaimed.
	WorkerSoftDeadline time.Duration

	// DownloaderSources is the set of source names (Family values) one
	// downloader invocation polls. Empty means all registered sources.
	DownloaderSources []string

	// EnforceCreditLimits mirrors METGET_ENFORCE_CREDIT_LIMITS; passed
	// straight through to credit.New/credit.NewMemoryLedger.
	EnforceCreditLimits bool

	// BlobCacheDir is the on-disk path for the worker's local blob cache.
	BlobCacheDir string

	// BlobCacheMaxBytes is read from METGET_BLOB_CACHE_MAX_BYTES but is
	// not passed to the worker's blob cache, which applies no size cap.
	BlobCacheMaxBytes int64
}

// Load reads configuration from environment variables, applying the
// defaults a local/dev deployment needs so the binaries run with a
// minimal .env. Required values (DSN, bucket) have no default and return
// an error if unset.
func Load() (Config, error) {
	cfg := Config{
		Environment: getenv("METGET_ENV", "development"),
		LogLevel:    getenv("METGET_LOG_LEVEL", "info"),
		LogJSON:     getenvBool("METGET_LOG_JSON", false),
		HTTPAddr:    getenv("METGET_HTTP_ADDR", ":8080"),
		Postgres: Postgres{
			DSN:             os.Getenv("METGET_POSTGRES_DSN"),
			MaxOpenConns:    getenvInt("METGET_POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getenvInt("METGET_POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getenvDuration("METGET_POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		ObjectStore: ObjectStore{
			ProjectID:      os.Getenv("METGET_GCS_PROJECT_ID"),
			Bucket:         os.Getenv("METGET_GCS_BUCKET"),
			CredentialsKey: os.Getenv("METGET_GCS_CREDENTIALS_FILE"),
		},
		Redis: Redis{
			Addr:     getenv("METGET_REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("METGET_REDIS_PASSWORD"),
			DB:       getenvInt("METGET_REDIS_DB", 0),
		},
		Bus: Bus{
			URL:         getenv("METGET_BUS_URL", "nats://localhost:4222"),
			StreamName:  getenv("METGET_BUS_STREAM", "METGET_BUILDS"),
			DurableName: getenv("METGET_BUS_DURABLE", "metget-worker"),
		},
		Observability: Observability{
			ServiceName:         getenv("METGET_SERVICE_NAME", "metget-server"),
			OTLPEndpoint:        os.Getenv("METGET_OTLP_ENDPOINT"),
			TraceSampleFraction: getenvFloat("METGET_TRACE_SAMPLE_FRACTION", 0.1),
		},
		WorkerConcurrency:   getenvInt("METGET_WORKER_CONCURRENCY", 4),
		WorkerMaxTries:      getenvInt("METGET_WORKER_MAX_TRIES", 3),
		WorkerSoftDeadline:  getenvDuration("METGET_WORKER_SOFT_DEADLINE", 10*time.Minute),
		DownloaderSources:   getenvList("METGET_DOWNLOADER_SOURCES", nil),
		EnforceCreditLimits: getenvBool("METGET_ENFORCE_CREDIT_LIMITS", true),
		BlobCacheDir:        getenv("METGET_BLOB_CACHE_DIR", "/var/lib/metget/cache"),
		BlobCacheMaxBytes:   getenvInt64("METGET_BLOB_CACHE_MAX_BYTES", 10<<30),
	}

	if cfg.Postgres.DSN == "" {
		return Config{}, fmt.Errorf("config: METGET_POSTGRES_DSN is required")
	}
	if cfg.ObjectStore.Bucket == "" {
		return Config{}, fmt.Errorf("config: METGET_GCS_BUCKET is required")
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// getenvList splits a CSV environment variable into a trimmed, non-empty
// slice of values. An unset or empty variable yields def.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
