package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/autographhq/gatekeeper/internal/cache"
	"github.com/autographhq/gatekeeper/internal/config"
	"github.com/autographhq/gatekeeper/internal/database"
	"github.com/autographhq/gatekeeper/internal/models"
	"github.com/autographhq/gatekeeper/internal/repositories"
	"github.com/autographhq/gatekeeper/migrations"
	pkgauth "github.com/autographhq/gatekeeper/pkg/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestDB manages a PostgreSQL testcontainer with migrations applied
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	DB        *database.DB
}

// SetupTestDatabase starts a PostgreSQL container, runs the embedded goose
// migrations, and returns a ready-to-use pool.
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("gatekeeper"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container: container,
		Pool:      pool,
		DB:        &database.DB{Pool: pool},
	}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"mfa_backup_codes",
		"mfa_enrollments",
		"email_verifications",
		"revoked_tokens",
		"audit_logs",
		"users",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// TestRedis manages a Redis testcontainer wrapped in the shared cache store
type TestRedis struct {
	Container testcontainers.Container
	Store     *cache.Store
}

// SetupTestRedis starts a Redis container and connects the cache store to it
func SetupTestRedis(ctx context.Context) (*TestRedis, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}

	store, err := cache.NewStore(&config.RedisConfig{Addr: endpoint}, testLogger())
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect cache store: %w", err)
	}

	return &TestRedis{Container: container, Store: store}, nil
}

// Teardown closes the store and stops the container
func (tr *TestRedis) Teardown(ctx context.Context) error {
	if tr.Store != nil {
		tr.Store.Close()
	}
	if tr.Container != nil {
		return tr.Container.Terminate(ctx)
	}
	return nil
}

// SeedUser inserts a user through the repository with a hashed password
func SeedUser(ctx context.Context, db *database.DB, email, password string, verified bool) (*models.User, error) {
	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	repo := repositories.NewUserRepository(db)
	return repo.Create(ctx, &models.User{
		Email:         email,
		PasswordHash:  hash,
		Name:          "Integration Test",
		Role:          "user",
		Status:        "active",
		EmailVerified: verified,
	})
}
