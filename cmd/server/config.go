package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds all configuration options
type Config struct {
	// Server config
	Port          string        `long:"port" env:"PORT" default:"8443" description:"Server port"`
	RPID          string        `long:"rp-id" env:"RP_ID" default:"localhost" description:"Relying party ID"`
	RPName        string        `long:"rp-name" env:"RP_NAME" default:"Biometric Authentication Service" description:"Relying party display name"`
	RPOrigins     []string      `long:"rp-origin" env:"RP_ORIGIN" env-delim:"," default:"https://localhost:8443" description:"Relying party origins"`
	ChallengeTTL  time.Duration `long:"challenge-ttl" env:"CHALLENGE_TTL" default:"0" description:"Lifetime of a pending ceremony challenge (0 keeps it until redeemed or replaced)"`
	SessionTTL    time.Duration `long:"session-ttl" env:"SESSION_TTL" default:"24h" description:"Lifetime of an issued session"`
	CleanupPeriod time.Duration `long:"cleanup-interval" env:"CLEANUP_INTERVAL" default:"1m" description:"How often in-memory sessions and challenges are swept"`

	// Storage config
	DirectoryMode string `long:"directory-mode" env:"DIRECTORY_MODE" default:"filesystem" choice:"memory" choice:"filesystem" choice:"s3" choice:"postgres" description:"User directory backend"`
	ChallengeMode string `long:"challenge-mode" env:"CHALLENGE_MODE" default:"directory" choice:"directory" choice:"redis" choice:"memory" description:"Pending challenge backend"`
	StoreMode     string `long:"store-mode" env:"STORE_MODE" default:"memory" choice:"memory" choice:"postgres" description:"Credential, descriptor and audit backend"`
	SessionMode   string `long:"session-mode" env:"SESSION_MODE" default:"memory" choice:"memory" choice:"redis" choice:"jwt" description:"Session backend"`

	// Filesystem storage
	DataPath  string `long:"data-path" env:"DATA_PATH" default:"./data" description:"Filesystem storage directory"`
	UsersFile string `long:"users-file" env:"USERS_FILE" description:"YAML file of users to seed into the directory at startup"`

	PostgresDSN string `long:"postgres-dsn" env:"POSTGRES_DSN" description:"Postgres connection string"`
	JWTSecret   string `long:"jwt-secret" env:"JWT_SECRET" description:"HS256 secret for session-mode jwt (at least 32 bytes)"`

	Facial struct {
		Key             string  `long:"face-key" env:"FACE_KEY" required:"true" description:"32-byte descriptor encryption key, hex or base64"`
		Threshold       float64 `long:"face-threshold" env:"FACE_THRESHOLD" default:"0.45" description:"Maximum accepted descriptor distance"`
		Length          int     `long:"face-length" env:"FACE_LENGTH" default:"128" description:"Descriptor length"`
		RequireLiveness bool    `long:"facial-require-liveness" env:"FACIAL_REQUIRE_LIVENESS" description:"Replay the submitted liveness trace on enrollment"`
	} `group:"Facial Options"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"bioauth" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	} `group:"Redis Options"`

	Log struct {
		Level  string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Minimum log level"`
		Format string `long:"log-format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Log output format"`
	} `group:"Logging Options"`
}

// LoadConfig parses configuration from environment variables and command line flags
func LoadConfig(args []string) (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.needsPostgres() && c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn is required when a postgres backend is selected")
	}
	if c.SessionMode == "jwt" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt-secret of at least 32 bytes is required for session-mode jwt")
	}
	if c.Facial.Threshold <= 0 {
		return fmt.Errorf("face-threshold must be positive")
	}
	if c.Facial.Length <= 0 {
		return fmt.Errorf("face-length must be positive")
	}
	return nil
}

func (c *Config) needsPostgres() bool {
	return c.DirectoryMode == "postgres" || c.StoreMode == "postgres"
}

func (c *Config) needsRedis() bool {
	return c.ChallengeMode == "redis" || c.SessionMode == "redis"
}

func (c *Config) logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
