// Package config loads service configuration from the environment and an
// optional YAML policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/scoring"
)

// Config is everything the commands need to wire the service.
type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the gRPC listener
	LogLevel string
	BlobDir  string
	// RedisAddr is optional; outcomes are not cached without it.
	RedisAddr   string
	RedisPrefix string
	Database    DatabaseConfig
	JWT         JWTConfig
	Policy      Policy
}

// DatabaseConfig selects the gorm dialect and sizes the postgres pool.
type DatabaseConfig struct {
	Driver       string // "postgres" or "sqlite"
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// JWTConfig verifies bearer tokens. An empty Audience accepts any.
type JWTConfig struct {
	Secret   string
	Audience string
}

// Policy holds the verification tunables that may also come from a YAML file.
type Policy struct {
	Threshold      float64                   `yaml:"threshold"`
	GridSize       int                       `yaml:"grid_size"`
	Capture        capture.Config            `yaml:"capture"`
	CaptureTimeout time.Duration             `yaml:"capture_timeout"`
	Devices        map[capture.Facing]string `yaml:"devices"`
}

// DefaultPolicy returns the built-in verification policy.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:      scoring.DefaultThreshold,
		GridSize:       scoring.DefaultGridSize,
		Capture:        capture.DefaultConfig(),
		CaptureTimeout: capture.DefaultFrameTimeout,
	}
}

// Validate reports a policy that cannot be used.
func (p Policy) Validate() error {
	if p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold %v outside (0, 1]", p.Threshold)
	}
	if p.GridSize <= 0 || p.GridSize > scoring.MaxGridSize {
		return fmt.Errorf("grid size %d outside [1, %d]", p.GridSize, scoring.MaxGridSize)
	}
	if p.CaptureTimeout <= 0 {
		return fmt.Errorf("capture timeout must be positive, got %s", p.CaptureTimeout)
	}
	return p.Capture.Validate()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envInt reads a positive integer, falling back on unset or invalid values.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// Load reads the environment. When POLICY_FILE is set its YAML is applied on
// top of DefaultPolicy, and MATCH_THRESHOLD / SCORE_GRID_SIZE override both.
func Load() (*Config, error) {
	policy, err := LoadPolicy(os.Getenv("POLICY_FILE"))
	if err != nil {
		return nil, err
	}
	if policy.Threshold, err = envFloat("MATCH_THRESHOLD", policy.Threshold); err != nil {
		return nil, err
	}
	policy.GridSize = envInt("SCORE_GRID_SIZE", policy.GridSize)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	driver := getEnv("DATABASE_DRIVER", "postgres")
	defaultDSN := "host=postgres user=postgres password=postgres dbname=attendance port=5432 sslmode=disable"
	if driver == "sqlite" {
		defaultDSN = "attendance.db"
	}

	return &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:    os.Getenv("GRPC_ADDR"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		BlobDir:     getEnv("BLOB_DIR", "data/blobs"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisPrefix: os.Getenv("REDIS_KEY_PREFIX"),
		Database: DatabaseConfig{
			Driver:       driver,
			DSN:          getEnv("DATABASE_DSN", defaultDSN),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		JWT: JWTConfig{
			Secret:   getEnv("JWT_SECRET", "dev-secret"),
			Audience: os.Getenv("JWT_AUDIENCE"),
		},
		Policy: policy,
	}, nil
}

// LoadPolicy reads a YAML policy file over DefaultPolicy. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return policy, nil
}
