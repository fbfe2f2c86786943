// Package main is the entry point for the Crateway S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crateway/crateway/internal/config"
	"github.com/crateway/crateway/internal/logging"
	"github.com/crateway/crateway/internal/metadata"
	"github.com/crateway/crateway/internal/metrics"
	"github.com/crateway/crateway/internal/reaper"
	"github.com/crateway/crateway/internal/server"
	"github.com/crateway/crateway/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	fsRoot := flag.String("fs-root", "", "override storage.local.root_dir (local backend only)")
	accessKey := flag.String("access-key", "", "override auth.access_key")
	secretKey := flag.String("secret-key", "", "override auth.secret_key")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *fsRoot != "" {
		cfg.Storage.Local.RootDir = *fsRoot
	}
	if *accessKey != "" {
		cfg.Auth.AccessKey = *accessKey
	}
	if *secretKey != "" {
		cfg.Auth.SecretKey = *secretKey
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	// Crash-only design: every startup is recovery.
	// No special recovery mode. Steps that would normally be "recovery" run on
	// every boot:
	// - SQLite WAL auto-recovers on open
	// - Temp file cleanup (below)
	// - Expired multipart reaping (background loop)
	// - Default credential seeding (below)

	metaStore, err := openMetadataStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	// Seed default credentials (idempotent — crash-only recovery step).
	if err := seedDefaultCredentials(metaStore, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed credentials: %v\n", err)
		os.Exit(1)
	}

	storageBackend, err := openStorageBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, metaStore, server.WithStorageBackend(storageBackend))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	reapCtx, cancelReap := context.WithCancel(context.Background())
	defer cancelReap()
	go reaper.New(metaStore, storageBackend, cfg.Server.MultipartReapTTLSeconds).
		Start(reapCtx, time.Duration(cfg.Server.MultipartReapIntervalSeconds)*time.Second)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Crateway listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. No cleanup -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
		cancelReap()

		shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		log.Printf("Server stopped.")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// openMetadataStore selects and initializes the metadata backend named by
// cfg.Metadata.Engine.
func openMetadataStore(cfg *config.Config) (metadata.MetadataStore, error) {
	ctx := context.Background()

	switch cfg.Metadata.Engine {
	case "local":
		store, err := metadata.NewLocalStore(&cfg.Metadata.Local)
		if err != nil {
			return nil, fmt.Errorf("initializing local metadata store: %w", err)
		}
		slog.Info("Metadata engine: local", "root_dir", cfg.Metadata.Local.RootDir)
		return store, nil

	case "memory":
		slog.Info("Metadata engine: memory")
		return metadata.NewMemoryStore(), nil

	case "dynamodb":
		store, err := metadata.NewDynamoDBStore(&cfg.Metadata.DynamoDB)
		if err != nil {
			return nil, fmt.Errorf("initializing DynamoDB metadata store: %w", err)
		}
		slog.Info("Metadata engine: dynamodb", "table", cfg.Metadata.DynamoDB.Table, "region", cfg.Metadata.DynamoDB.Region)
		return store, nil

	case "firestore":
		store, err := metadata.NewFirestoreStore(ctx, &cfg.Metadata.Firestore)
		if err != nil {
			return nil, fmt.Errorf("initializing Firestore metadata store: %w", err)
		}
		slog.Info("Metadata engine: firestore", "project", cfg.Metadata.Firestore.ProjectID)
		return store, nil

	case "cosmos":
		store, err := metadata.NewCosmosStore(ctx, &cfg.Metadata.Cosmos)
		if err != nil {
			return nil, fmt.Errorf("initializing Cosmos metadata store: %w", err)
		}
		slog.Info("Metadata engine: cosmos", "database", cfg.Metadata.Cosmos.Database, "container", cfg.Metadata.Cosmos.Container)
		return store, nil

	default:
		// Default to SQLite.
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		store, err := metadata.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing SQLite metadata store: %w", err)
		}
		slog.Info("Metadata engine: sqlite", "path", dbPath)
		return store, nil
	}
}

// openStorageBackend selects and initializes the object storage backend
// named by cfg.Storage.Backend.
func openStorageBackend(cfg *config.Config) (storage.StorageBackend, error) {
	ctx := context.Background()

	switch cfg.Storage.Backend {
	case "aws":
		c := cfg.Storage.AWS
		if c.Bucket == "" {
			return nil, fmt.Errorf("storage.aws.bucket is required when backend is 'aws'")
		}
		region := c.Region
		if region == "" {
			region = "us-east-1"
		}
		backend, err := storage.NewAWSGatewayBackend(ctx, c.Bucket, region, c.Prefix, c.EndpointURL, c.UsePathStyle, c.AccessKeyID, c.SecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("initializing AWS storage backend: %w", err)
		}
		slog.Info("Storage backend: aws", "bucket", c.Bucket, "region", region, "prefix", c.Prefix)
		return backend, nil

	case "gcp":
		c := cfg.Storage.GCP
		if c.Bucket == "" {
			return nil, fmt.Errorf("storage.gcp.bucket is required when backend is 'gcp'")
		}
		backend, err := storage.NewGCPGatewayBackend(ctx, c.Bucket, c.Project, c.Prefix)
		if err != nil {
			return nil, fmt.Errorf("initializing GCP storage backend: %w", err)
		}
		slog.Info("Storage backend: gcp", "bucket", c.Bucket, "project", c.Project, "prefix", c.Prefix)
		return backend, nil

	case "azure":
		c := cfg.Storage.Azure
		if c.Container == "" {
			return nil, fmt.Errorf("storage.azure.container is required when backend is 'azure'")
		}
		accountURL := c.AccountURL
		if accountURL == "" {
			if c.Account == "" {
				return nil, fmt.Errorf("storage.azure.account or storage.azure.account_url is required when backend is 'azure'")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", c.Account)
		}
		backend, err := storage.NewAzureGatewayBackend(ctx, c.Container, accountURL, c.Prefix)
		if err != nil {
			return nil, fmt.Errorf("initializing Azure storage backend: %w", err)
		}
		slog.Info("Storage backend: azure", "container", c.Container, "account", accountURL, "prefix", c.Prefix)
		return backend, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating storage sqlite directory: %w", err)
		}
		backend, err := storage.NewSQLiteBackend(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing SQLite storage backend: %w", err)
		}
		slog.Info("Storage backend: sqlite", "path", cfg.Storage.SQLite.Path)
		return backend, nil

	case "memory":
		c := cfg.Storage.Memory
		backend, err := storage.NewMemoryBackend(c.MaxSizeBytes, c.Persistence, c.SnapshotPath, c.SnapshotIntervalSeconds)
		if err != nil {
			return nil, fmt.Errorf("initializing memory storage backend: %w", err)
		}
		slog.Info("Storage backend: memory", "persistence", c.Persistence)
		return backend, nil

	default:
		// Default to local filesystem backend.
		storageRoot := cfg.Storage.Local.RootDir
		if err := os.MkdirAll(storageRoot, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage root directory: %w", err)
		}
		backend, err := storage.NewLocalBackend(storageRoot)
		if err != nil {
			return nil, fmt.Errorf("initializing local storage backend: %w", err)
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := backend.CleanTempFiles(); err != nil {
			slog.Warn("failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend: local", "root_dir", storageRoot)
		return backend, nil
	}
}

// seedDefaultCredentials creates the default credential record from the config
// if it does not already exist. This runs on every startup as part of
// crash-only recovery.
func seedDefaultCredentials(store metadata.MetadataStore, cfg *config.Config) error {
	ctx := context.Background()

	existing, err := store.GetCredential(ctx, cfg.Auth.AccessKey)
	if err != nil {
		return fmt.Errorf("checking default credential: %w", err)
	}
	if existing != nil {
		// Already seeded. Nothing to do.
		return nil
	}

	cred := &metadata.CredentialRecord{
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		OwnerID:     cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("seeding default credential: %w", err)
	}
	slog.Info("Seeded default credentials", "access_key", cfg.Auth.AccessKey)
	return nil
}
