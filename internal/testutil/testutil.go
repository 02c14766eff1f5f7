// Package testutil provides database and Redis fixtures for integration
// tests. Fixtures skip the test when the backing service is unreachable,
// or fail instead when TEST_REQUIRE_DB, TEST_REQUIRE_REDIS, or
// TEST_REQUIRE_INFRA is set, so CI cannot silently skip the suite.
package testutil

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver for database/sql

	"github.com/chaoss/grimoirelab-core/internal/migrate"
)

// TestingTB is the subset of testing.T and testing.B the fixtures need.
type TestingTB interface {
	Helper()
	Cleanup(func())
	Skipf(format string, args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// TestDBConfig holds the connection settings for the test database.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DefaultTestDBConfig reads the TEST_DB_* variables, falling back to the
// compose test profile on port 55432. CI overrides TEST_DB_PORT.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "grimoirelab"),
		Password: envOr("TEST_DB_PASSWORD", "grimoirelab"),
		DBName:   envOr("TEST_DB_NAME", "grimoirelab"),
	}
}

// DSN renders the config as a pgx connection string. A non-empty
// searchPath pins the session to an ephemeral schema, with public kept
// visible for extensions.
func (c TestDBConfig) DSN(searchPath string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if searchPath != "" {
		q.Set("search_path", searchPath+",public")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SkipIfNoTestDB skips the test when the test database does not answer.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()

	db, err := sql.Open("pgx", DefaultTestDBConfig().DSN(""))
	if err != nil {
		unavailable(t, requireDB(), "test database", err)
		return
	}
	defer closeQuietly(t, "probe connection", db)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		unavailable(t, requireDB(), "test database", err)
	}
}

// RunMigrations applies the embedded migrations so test schemas match
// production. Migration chatter is discarded.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// SetupTestDB connects to the shared test database, migrates it, and
// clears any rows a previous run left behind. Tests using the shared
// database must not run in parallel; use SetupEphemeralSchemaDB for
// parallel suites.
func SetupTestDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	db := openTestDB(t, "")
	migrateTestDB(t, db)
	CleanupTestDB(t, db)
	return db
}

// CleanupTestDB deletes every row from the scheduler tables. Jobs
// reference tasks, so children go first.
func CleanupTestDB(t TestingTB, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, table := range []string{"jobs", "tasks"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean table %s: %v", table, err)
		}
	}
}

// TeardownTestDB clears the tables and closes the pool.
func TeardownTestDB(t TestingTB, db *sql.DB) {
	t.Helper()
	if db == nil {
		return
	}
	CleanupTestDB(t, db)
	if err := db.Close(); err != nil {
		t.Fatalf("close test database: %v", err)
	}
}

// SetupEphemeralSchemaDB creates a schema that lives only for this test:
// migrations run inside it and the whole schema is dropped on cleanup.
// Every connection it hands out carries the schema in its search_path,
// so tests sharing one database cannot see each other's rows.
func SetupEphemeralSchemaDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	admin := openTestDB(t, "")
	t.Cleanup(func() {
		dropSchema(t, admin, schema)
		closeQuietly(t, "admin connection", admin)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema %s: %v", schema, err)
	}

	db := openTestDB(t, schema)
	t.Cleanup(func() { closeQuietly(t, "schema connection", db) })
	migrateTestDB(t, db)

	t.Logf("using ephemeral schema %s", schema)
	return db
}

// SetupAutoDB picks the isolation mode: an ephemeral schema per test
// when TEST_DB_EPHEMERAL is truthy, the shared database otherwise.
// Cleanup registers automatically in both modes.
func SetupAutoDB(t TestingTB) *sql.DB {
	t.Helper()

	if envBool("TEST_DB_EPHEMERAL") {
		return SetupEphemeralSchemaDB(t)
	}
	db := SetupTestDB(t)
	t.Cleanup(func() { TeardownTestDB(t, db) })
	return db
}

// WithAutoDB runs fn against a database chosen by SetupAutoDB.
func WithAutoDB(t TestingTB, fn func(db *sql.DB)) {
	t.Helper()
	fn(SetupAutoDB(t))
}

func openTestDB(t TestingTB, searchPath string) *sql.DB {
	t.Helper()

	db, err := sql.Open("pgx", DefaultTestDBConfig().DSN(searchPath))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		closeQuietly(t, "test database", db)
		t.Fatalf("ping test database: %v", err)
	}
	return db
}

func migrateTestDB(t TestingTB, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
}

func dropSchema(t TestingTB, admin *sql.DB, schema string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
		t.Logf("drop schema %s: %v", schema, err)
	}
}

// JobStateInfo is a row snapshot used to explain failing scheduler tests.
type JobStateInfo struct {
	UUID       string
	TaskUUID   string
	JobNum     int
	TaskType   string
	Queue      string
	Status     string
	LastError  *string
	FinishedAt *time.Time
}

// InspectJobStates returns every job row in creation order.
func InspectJobStates(t TestingTB, db *sql.DB) []JobStateInfo {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
		SELECT uuid, task_uuid, job_num, task_type, queue, status, last_error, finished_at
		FROM jobs
		ORDER BY created_at ASC
	`)
	if err != nil {
		t.Fatalf("query job states: %v", err)
	}
	defer closeQuietly(t, "job state rows", rows)

	var jobs []JobStateInfo
	for rows.Next() {
		var job JobStateInfo
		err := rows.Scan(
			&job.UUID,
			&job.TaskUUID,
			&job.JobNum,
			&job.TaskType,
			&job.Queue,
			&job.Status,
			&job.LastError,
			&job.FinishedAt,
		)
		if err != nil {
			t.Fatalf("scan job state: %v", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate job states: %v", err)
	}
	return jobs
}

// LogJobStates dumps the jobs table to the test log.
func LogJobStates(t TestingTB, db *sql.DB, message string) {
	t.Helper()

	t.Logf("jobs (%s):", message)
	for i, job := range InspectJobStates(t, db) {
		t.Logf("  %d: uuid=%s job_num=%d status=%s queue=%s last_error=%v finished_at=%v",
			i+1, job.UUID[:8], job.JobNum, job.Status, job.Queue, job.LastError, job.FinishedAt)
	}
}

// ConcurrentTestRunner races operations against one database and
// collects their errors by argument position.
type ConcurrentTestRunner struct {
	t  TestingTB
	db *sql.DB
}

// NewConcurrentTestRunner builds a runner bound to the given test and
// database handle.
func NewConcurrentTestRunner(t TestingTB, db *sql.DB) *ConcurrentTestRunner {
	return &ConcurrentTestRunner{t: t, db: db}
}

// RunConcurrent starts every function at once and waits for all of them.
// The returned slice preserves argument order.
func (r *ConcurrentTestRunner) RunConcurrent(funcs ...func() error) []error {
	r.t.Helper()

	errs := make([]error, len(funcs))
	var wg sync.WaitGroup
	for i, fn := range funcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn()
		}()
	}
	wg.Wait()
	return errs
}

// AssertNoErrors fails the test on the first non-nil error.
func (r *ConcurrentTestRunner) AssertNoErrors(errs []error) {
	r.t.Helper()
	for i, err := range errs {
		if err != nil {
			r.t.Fatalf("concurrent operation %d: %v", i, err)
		}
	}
}

// TimePtr returns a pointer to t, for optional timestamp fields.
func TimePtr(t time.Time) *time.Time {
	return &t
}

func unavailable(t TestingTB, required bool, what string, err error) {
	t.Helper()
	if required {
		t.Fatalf("%s not available: %v", what, err)
	}
	t.Skipf("%s not available: %v", what, err)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

func requireDB() bool {
	return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA")
}

func closeQuietly(t TestingTB, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}
