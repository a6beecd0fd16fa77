// Package config loads and validates the process-wide configuration object
// once at startup, the Go equivalent of the original implementation's
// lazy-static-with-panic environment variable macro: every required key is
// read and parsed eagerly, and the process exits immediately if any is
// missing or malformed (spec.md §7, "Config-missing or unparseable").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Gioppix/uptime-monitor/internal/region"
)

// Config is the immutable, process-wide configuration. Every field is
// required unless documented otherwise.
type Config struct {
	Port                        int
	DatabaseNodeURLs             []string
	DatabaseKeyspace             string
	DatabaseConcurrentRequests   int
	HeartbeatInterval            time.Duration
	CurrentBucketVersion         int16
	CurrentBucketsCount          int
	ReplicationFactor            int
	MaxConcurrentHealthChecks    int
	Region                       region.Region
	SelfIP                       string
	BackendInternalPassword      string
	// DevMode is optional; unset means false.
	DevMode                      bool

	// ReplicaID is optional; empty means "use the process id".
	ReplicaID string
}

// fileOverrides mirrors the subset of Config that may be supplied by an
// optional local yaml file, read before environment variables are applied
// (local development ergonomics only; production deployments use env vars
// exclusively).
type fileOverrides struct {
	Port                       *int    `yaml:"port"`
	DatabaseNodeURLs           *string `yaml:"database_node_urls"`
	DatabaseKeyspace           *string `yaml:"database_keyspace"`
	DatabaseConcurrentRequests *int    `yaml:"database_concurrent_requests"`
	HeartbeatIntervalSeconds   *int    `yaml:"heartbeat_interval_seconds"`
	CurrentBucketVersion       *int    `yaml:"current_bucket_version"`
	CurrentBucketsCount        *int    `yaml:"current_buckets_count"`
	ReplicationFactor          *int    `yaml:"replication_factor"`
	MaxConcurrentHealthChecks  *int    `yaml:"max_concurrent_health_checks"`
	Region                     *string `yaml:"region"`
	SelfIP                     *string `yaml:"self_ip"`
	BackendInternalPassword    *string `yaml:"backend_internal_password"`
	DevMode                    *bool   `yaml:"dev_mode"`
	ReplicaID                  *string `yaml:"replica_id"`
}

func applyOverrides(env map[string]string, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var o fileOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := func(key string, v *string) {
		if v != nil {
			if _, exists := env[key]; !exists {
				env[key] = *v
			}
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			if _, exists := env[key]; !exists {
				env[key] = strconv.Itoa(*v)
			}
		}
	}
	setBool := func(key string, v *bool) {
		if v != nil {
			if _, exists := env[key]; !exists {
				env[key] = strconv.FormatBool(*v)
			}
		}
	}

	set("DATABASE_NODE_URLS", o.DatabaseNodeURLs)
	set("DATABASE_KEYSPACE", o.DatabaseKeyspace)
	set("REGION", o.Region)
	set("SELF_IP", o.SelfIP)
	set("BACKEND_INTERNAL_PASSWORD", o.BackendInternalPassword)
	set("REPLICA_ID", o.ReplicaID)
	setInt("PORT", o.Port)
	setInt("DATABASE_CONCURRENT_REQUESTS", o.DatabaseConcurrentRequests)
	setInt("HEARTBEAT_INTERVAL_SECONDS", o.HeartbeatIntervalSeconds)
	setInt("CURRENT_BUCKET_VERSION", o.CurrentBucketVersion)
	setInt("CURRENT_BUCKETS_COUNT", o.CurrentBucketsCount)
	setInt("REPLICATION_FACTOR", o.ReplicationFactor)
	setInt("MAX_CONCURRENT_HEALTH_CHECKS", o.MaxConcurrentHealthChecks)
	setBool("DEV_MODE", o.DevMode)

	return nil
}

// Load reads and validates configuration from the environment (and,
// optionally, a local MONITOR_CONFIG_FILE yaml override), returning an error
// describing every missing or malformed key rather than failing on the
// first one, so operators see the whole picture at once.
func Load() (*Config, error) {
	env := map[string]string{}
	for _, key := range []string{
		"PORT", "DATABASE_NODE_URLS", "DATABASE_KEYSPACE",
		"DATABASE_CONCURRENT_REQUESTS", "HEARTBEAT_INTERVAL_SECONDS",
		"CURRENT_BUCKET_VERSION", "CURRENT_BUCKETS_COUNT",
		"REPLICATION_FACTOR", "MAX_CONCURRENT_HEALTH_CHECKS", "REGION",
		"SELF_IP", "BACKEND_INTERNAL_PASSWORD", "DEV_MODE", "REPLICA_ID",
	} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}

	if path := os.Getenv("MONITOR_CONFIG_FILE"); path != "" {
		if err := applyOverrides(env, path); err != nil {
			return nil, err
		}
	}

	var errs []string
	req := func(key string) string {
		v, ok := env[key]
		if !ok || v == "" {
			errs = append(errs, fmt.Sprintf("%s is required", key))
		}
		return v
	}
	reqInt := func(key string) int {
		v := req(key)
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer: %v", key, err))
		}
		return n
	}

	cfg := &Config{}
	cfg.Port = reqInt("PORT")
	urls := req("DATABASE_NODE_URLS")
	if urls != "" {
		cfg.DatabaseNodeURLs = strings.Split(urls, ",")
		for i := range cfg.DatabaseNodeURLs {
			cfg.DatabaseNodeURLs[i] = strings.TrimSpace(cfg.DatabaseNodeURLs[i])
		}
	}
	cfg.DatabaseKeyspace = req("DATABASE_KEYSPACE")
	cfg.DatabaseConcurrentRequests = reqInt("DATABASE_CONCURRENT_REQUESTS")
	cfg.HeartbeatInterval = time.Duration(reqInt("HEARTBEAT_INTERVAL_SECONDS")) * time.Second
	cfg.CurrentBucketVersion = int16(reqInt("CURRENT_BUCKET_VERSION"))
	cfg.CurrentBucketsCount = reqInt("CURRENT_BUCKETS_COUNT")
	cfg.ReplicationFactor = reqInt("REPLICATION_FACTOR")
	cfg.MaxConcurrentHealthChecks = reqInt("MAX_CONCURRENT_HEALTH_CHECKS")

	if rs := req("REGION"); rs != "" {
		r, err := region.Parse(rs)
		if err != nil {
			errs = append(errs, err.Error())
		}
		cfg.Region = r
	}
	cfg.SelfIP = req("SELF_IP")
	cfg.BackendInternalPassword = req("BACKEND_INTERNAL_PASSWORD")

	if dm, ok := env["DEV_MODE"]; ok {
		b, err := strconv.ParseBool(dm)
		if err != nil {
			errs = append(errs, fmt.Sprintf("DEV_MODE must be a boolean: %v", err))
		}
		cfg.DevMode = b
	}

	cfg.ReplicaID = env["REPLICA_ID"]

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// MustLoad is Load, exiting the process on failure — the caller at process
// startup (cmd/monitor) uses this directly, matching spec.md's
// "Config-missing or unparseable: process exits at startup".
func MustLoad(fatal func(string)) *Config {
	cfg, err := Load()
	if err != nil {
		fatal(err.Error())
		return nil
	}
	return cfg
}
