package crmflow

import (
	"context"
	"database/sql"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/covecrm/crmflow/internal/config"
	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/engine"
	"github.com/covecrm/crmflow/internal/httpclient"
	"github.com/covecrm/crmflow/internal/migrations"
	"github.com/covecrm/crmflow/internal/notify"
	"github.com/covecrm/crmflow/internal/queue"
	"github.com/covecrm/crmflow/internal/repository"
	"github.com/covecrm/crmflow/internal/steps"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	_ "github.com/go-sql-driver/mysql"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Runtime holds the wired engine and its background services. Callers use
// Engine for definition, instance and task operations; the workers run on
// their own goroutines until the context passed to Start is cancelled.
type Runtime struct {
	Engine    *engine.WorkflowEngine
	Queue     queue.JobQueue
	Processor *engine.JobProcessor

	db *sql.DB
}

// Start boots the workflow engine: opens the database, runs migrations,
// wires the repositories and queue backend, and launches the job processor,
// recovery sweep, SLA monitor and schedule trigger.
func Start(ctx context.Context) (*Runtime, error) {

	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	if databaseType == "" || (databaseType != config.DATABASE_TYPE_POSTGRES && databaseType != config.DATABASE_TYPE_MYSQL && databaseType != config.DATABASE_TYPE_SQLLITE) {
		panic("CRMFLOW_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLLITE")
	}

	var db *sql.DB
	if databaseType == config.DATABASE_TYPE_POSTGRES {
		db = setupPostgresDatabase()
	}
	if databaseType == config.DATABASE_TYPE_SQLLITE {
		db = setupSqlLiteDatabase()
	}
	if databaseType == config.DATABASE_TYPE_MYSQL {
		db = setupMysqlDatabase()
	}

	clock := core.NewRealClock()

	definitionRepo := repository.NewDefinitionRepository(db, clock)
	instanceRepo := repository.NewInstanceRepository(db, clock)
	taskRepo := repository.NewTaskRepository(db, clock)
	eventRepo := repository.NewEventRepository(db, clock)
	jobRepo := repository.NewJobRepository(db, clock)
	executorRepo := repository.NewExecutorRepository(db)

	jobQueue := setupQueue(jobRepo, clock)

	client := httpclient.NewWorkflowApiClient()
	registry := steps.DefaultRegistry(clock, client, taskRepo,
		notify.LogEmailSender{}, notify.LogInAppSender{}, notify.NewHTTPWebhookSender(client))

	wfEngine := engine.NewWorkflowEngine(definitionRepo, instanceRepo, taskRepo,
		eventRepo, registry, jobQueue, clock)

	processor := engine.NewJobProcessor(wfEngine, jobQueue, executorRepo, clock)
	go processor.Start(ctx)
	go engine.NewRecoveryService(jobQueue).Start(ctx)
	go engine.NewSlaMonitor(wfEngine, clock).Start(ctx)
	go engine.NewScheduleTrigger(wfEngine, clock).Start(ctx)

	go func() {
		<-ctx.Done()
		db.Close()
	}()

	return &Runtime{
		Engine:    wfEngine,
		Queue:     jobQueue,
		Processor: processor,
		db:        db,
	}, nil
}

func setupQueue(jobRepo *repository.JobRepository, clock core.Clock) queue.JobQueue {
	backend := config.GetSystemSettingString(config.QUEUE_BACKEND)
	if backend == config.QUEUE_BACKEND_REDIS {
		addr := config.GetSystemSettingString(config.REDIS_ADDR)
		slog.Info("Using Redis job queue", "addr", addr)
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		return queue.NewRedisQueue(rdb, jobRepo, clock)
	}
	slog.Info("Using SQL job queue")
	return queue.NewSQLQueue(jobRepo, clock)
}

func setupPostgresDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("CRMFLOW_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Using Postgres database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("postgres", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening Postgres database")
	dbPostgres, err := sql.Open("postgres", dbURL)
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbPostgres
}

func setupSqlLiteDatabase() *sql.DB {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
	if fileName == "" {
		panic("CRMFLOW_DATABASE_SQLLITE_FILE_NAME must be set")
	}
	dbURL := "sqlite3://" + fileName
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("sqllite3", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening SQLite database")
	dbSqlLite, err := sql.Open("sqlite3", fileName)
	if err != nil {
		log.Fatalf("Failed to open SQLite DB: %v", err)
	}
	if err := dbSqlLite.Ping(); err != nil {
		log.Fatalf("Failed to ping SQLite DB: %v", err)
	}
	return dbSqlLite
}

func setupMysqlDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("CRMFLOW_DATABASE_URL must be set when using the MYSQL database type")
	}
	// panic if url does not contain ?parseTime=true
	if !strings.Contains(dbURL, "parseTime=true") {
		panic("CRMFLOW_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	// panic if url does not  start with mysql://
	if !strings.HasPrefix(dbURL, "mysql://") {
		panic("CRMFLOW_DATABASE_URL must start with 'mysql://' for MySQL")
	}

	slog.Info("Using MySQL database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("mysql", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening MySQL database")
	//remove mysql:// prefix from url
	dbMysql, err := sql.Open("mysql", strings.Replace(dbURL, "mysql://", "", 1))
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbMysql
}

func runMigrationsFromEmbed(migrationsPath string, dbURL string) error {
	sub, err := fs.Sub(migrations.FS, migrationsPath)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func SetupLogger() {
	w := os.Stderr
	_ = slog.New(tint.NewHandler(w, nil))
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
