package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andyleap/bioauth/internal/api"
	"github.com/andyleap/bioauth/internal/auth"
	"github.com/andyleap/bioauth/internal/biometric"
	"github.com/andyleap/bioauth/internal/challenge"
	"github.com/andyleap/bioauth/internal/facecrypt"
	"github.com/andyleap/bioauth/internal/facial"
	"github.com/andyleap/bioauth/internal/session"
	"github.com/andyleap/bioauth/internal/storage"
	"github.com/redis/go-redis/v9"
)

// directory is a user directory that can also hold challenge slots.
type directory interface {
	storage.UserDirectory
	storage.ChallengeSlots
}

type backends struct {
	directory  directory
	challenges storage.ChallengeSlots
	store      storage.BiometricStore
	sessions   storage.SessionStorage
	memory     *storage.MemoryStorage
	db         *sql.DB
	redis      *redis.Client
}

func (b *backends) Close() {
	if b.db != nil {
		b.db.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
}

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if cfg.UsersFile != "" {
		users, err := storage.LoadUsers(cfg.UsersFile)
		if err != nil {
			return err
		}
		if err := storage.SeedUsers(ctx, b.directory, users); err != nil {
			return err
		}
		slog.Info("Seeded users", "count", len(users), "file", cfg.UsersFile)
	}

	key, err := facecrypt.ParseKey(cfg.Facial.Key)
	if err != nil {
		return err
	}
	cipher, err := facecrypt.New(key)
	if err != nil {
		return err
	}

	webauthnService, err := auth.NewWebAuthnService(auth.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPName,
		RPOrigins:     cfg.RPOrigins,
		ChallengeTTL:  cfg.ChallengeTTL,
	}, b.directory, b.store, challenge.New(b.challenges, cfg.ChallengeTTL), logger)
	if err != nil {
		return err
	}

	facialEngine := facial.NewEngine(facial.Config{
		Threshold:        cfg.Facial.Threshold,
		DescriptorLength: cfg.Facial.Length,
		RequireLiveness:  cfg.Facial.RequireLiveness,
	}, b.directory, b.store, cipher, logger)

	var issuer session.Issuer
	if cfg.SessionMode == "jwt" {
		issuer, err = session.NewJWTIssuer([]byte(cfg.JWTSecret), b.sessions, b.store, cfg.SessionTTL, logger)
		if err != nil {
			return err
		}
	} else {
		issuer = session.NewStoredIssuer(b.sessions, b.store, cfg.SessionTTL, logger)
	}

	apiServer := api.NewServer(webauthnService, facialEngine, biometric.NewManager(b.directory, b.store, logger), issuer, logger, cfg.RPOrigins)

	if b.memory != nil {
		go b.memory.RunCleanup(ctx, cfg.CleanupPeriod)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Biometric authentication service starting",
			"port", cfg.Port,
			"rp_id", cfg.RPID,
			"directory", cfg.DirectoryMode,
			"challenges", cfg.ChallengeMode,
			"store", cfg.StoreMode,
			"sessions", cfg.SessionMode,
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openBackends(ctx context.Context, cfg *Config) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	var pg *storage.PostgresStorage
	if cfg.needsPostgres() {
		db, err := storage.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.db = db
		if err := storage.RunMigrations(ctx, db); err != nil {
			return nil, err
		}
		pg = storage.NewPostgresStorage(db)
		slog.Info("Using Postgres")
	}

	var rs *storage.RedisStorage
	if cfg.needsRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		rs = storage.NewRedisStorage(client)
		slog.Info("Using Redis", "addr", cfg.Redis.Addr)
	}

	memory := func() *storage.MemoryStorage {
		if b.memory == nil {
			b.memory = storage.NewMemoryStorage()
		}
		return b.memory
	}

	switch cfg.DirectoryMode {
	case "s3":
		s3Storage, err := storage.NewS3Storage(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		if err != nil {
			return nil, err
		}
		b.directory = s3Storage
		slog.Info("Using S3 directory", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsStorage, err := storage.NewFilesystemStorage(cfg.DataPath)
		if err != nil {
			return nil, err
		}
		b.directory = fsStorage
		slog.Info("Using filesystem directory", "path", cfg.DataPath)
	case "postgres":
		b.directory = pg
	case "memory":
		b.directory = memory()
		slog.Warn("Using in-memory directory (not persistent)")
	default:
		return nil, fmt.Errorf("invalid directory mode %q", cfg.DirectoryMode)
	}

	switch cfg.ChallengeMode {
	case "directory":
		b.challenges = b.directory
	case "redis":
		b.challenges = rs
	case "memory":
		b.challenges = memory()
	default:
		return nil, fmt.Errorf("invalid challenge mode %q", cfg.ChallengeMode)
	}

	switch cfg.StoreMode {
	case "postgres":
		b.store = pg
	case "memory":
		b.store = memory()
		slog.Warn("Using in-memory credential store (not persistent)")
	default:
		return nil, fmt.Errorf("invalid store mode %q", cfg.StoreMode)
	}

	switch cfg.SessionMode {
	case "redis":
		b.sessions = rs
	case "memory", "jwt":
		// jwt keeps only revocation markers here
		b.sessions = memory()
		if cfg.SessionMode == "memory" {
			slog.Warn("Using in-memory sessions (not persistent)")
		}
	default:
		return nil, fmt.Errorf("invalid session mode %q", cfg.SessionMode)
	}

	ok = true
	return b, nil
}
