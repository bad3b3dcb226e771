package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	writeRetries    = 3
	writeRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS courses (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		course_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		prompt TEXT NOT NULL,
		logo_url TEXT NOT NULL,
		framework TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		duration_min INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, course_id)
	);

	CREATE TABLE IF NOT EXISTS kv_records (
		user_id TEXT NOT NULL,
		record_key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, record_key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetIdleUsers retrieves users inactive for longer than ttl.
func (s *SQLiteStore) GetIdleUsers(ctx context.Context, ttl time.Duration) ([]*domain.User, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE last_seen_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle users rows", "error", closeErr)
		}
	}()

	var users []*domain.User
	for rows.Next() {
		var user domain.User
		var lastSeen, createdAt, updatedAt int64
		if err := rows.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan idle user row: %w", err)
		}
		user.LastSeenAt = time.Unix(lastSeen, 0)
		user.CreatedAt = time.Unix(createdAt, 0)
		user.UpdatedAt = time.Unix(updatedAt, 0)
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle users: %w", err)
	}
	return users, nil
}

// DeleteUser removes a user together with their records and enrollments.
func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back delete user", "user_id", userID, "error", rbErr)
		}
	}()

	for _, q := range []string{
		`DELETE FROM kv_records WHERE user_id = ?`,
		`DELETE FROM enrollments WHERE user_id = ?`,
		`DELETE FROM users WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	return nil
}

// CreateCourse inserts a course and returns its ID. A missing ID is generated.
func (s *SQLiteStore) CreateCourse(ctx context.Context, course *domain.Course) (string, error) {
	id := course.ID
	if id == "" {
		id = "c-" + uuid.NewString()
	}
	createdAt := course.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
	INSERT INTO courses (course_id, name, description, prompt, logo_url, framework, difficulty, duration_min, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		id, course.Name, course.Description, course.Prompt, course.LogoURL,
		string(course.Framework), string(course.Difficulty), course.DurationMin, createdAt.Unix(),
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return "", fmt.Errorf("course %s: %w", id, ErrConflict)
		}
		return "", fmt.Errorf("insert course: %w", err)
	}
	return id, nil
}

const courseColumns = `course_id, name, description, prompt, logo_url, framework, difficulty, duration_min, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCourse(row rowScanner) (*domain.Course, error) {
	var c domain.Course
	var framework, difficulty string
	var createdAt int64
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Prompt, &c.LogoURL,
		&framework, &difficulty, &c.DurationMin, &createdAt); err != nil {
		return nil, err
	}
	c.Framework = domain.Framework(framework)
	c.Difficulty = domain.Difficulty(difficulty)
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// GetCourse retrieves a course by ID.
func (s *SQLiteStore) GetCourse(ctx context.Context, courseID string) (*domain.Course, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE course_id = ?`, courseID)
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan course row: %w", err)
	}
	return c, nil
}

// ListCourses returns every course in insertion order.
func (s *SQLiteStore) ListCourses(ctx context.Context) ([]*domain.Course, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query courses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close course rows", "error", closeErr)
		}
	}()

	courses := []*domain.Course{}
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course row: %w", err)
		}
		courses = append(courses, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate courses: %w", err)
	}
	return courses, nil
}

// CountCourses returns the number of stored courses.
func (s *SQLiteStore) CountCourses(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM courses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count courses: %w", err)
	}
	return n, nil
}

// SetEnrollment creates or updates an enrollment.
func (s *SQLiteStore) SetEnrollment(ctx context.Context, e *domain.Enrollment) error {
	query := `
	INSERT INTO enrollments (user_id, course_id, status, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, course_id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at`

	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	err := shared.RetryOnConflict(ctx, "set_enrollment", writeRetries, writeRetryDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query, e.UserID, e.CourseID, string(e.Status), updatedAt.Unix())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert enrollment: %w", err)
	}
	return nil
}

// ListEnrollments returns a learner's enrollments keyed by course ID.
func (s *SQLiteStore) ListEnrollments(ctx context.Context, userID string) (map[string]domain.EnrollmentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT course_id, status FROM enrollments WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close enrollment rows", "error", closeErr)
		}
	}()

	out := make(map[string]domain.EnrollmentStatus)
	for rows.Next() {
		var courseID, status string
		if err := rows.Scan(&courseID, &status); err != nil {
			return nil, fmt.Errorf("scan enrollment row: %w", err)
		}
		out[courseID] = domain.EnrollmentStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return out, nil
}

// GetRecord reads a learner's key/value record.
func (s *SQLiteStore) GetRecord(ctx context.Context, userID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_records WHERE user_id = ? AND record_key = ?`, userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get record: %w", err)
	}
	return value, true, nil
}

// PutRecord writes a learner's key/value record.
func (s *SQLiteStore) PutRecord(ctx context.Context, userID, key, value string) error {
	query := `
	INSERT INTO kv_records (user_id, record_key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, record_key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`
	err := shared.RetryOnConflict(ctx, "put_record", writeRetries, writeRetryDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query, userID, key, value, time.Now().Unix())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// DeleteRecord removes a learner's key/value record.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, userID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_records WHERE user_id = ? AND record_key = ?`, userID, key,
	); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
