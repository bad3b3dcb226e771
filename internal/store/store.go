// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/capycode/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record with the same ID already exists.
	ErrConflict = errors.New("already exists")
)

// Repository defines the interface for persisting learners, courses and
// per-learner key/value records.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetIdleUsers retrieves users inactive for longer than ttl.
	GetIdleUsers(ctx context.Context, ttl time.Duration) ([]*domain.User, error)

	// DeleteUser removes a user together with their records and enrollments.
	DeleteUser(ctx context.Context, userID string) error

	// CreateCourse inserts a course and returns its ID. Returns ErrConflict
	// when the ID is taken.
	CreateCourse(ctx context.Context, course *domain.Course) (string, error)

	// GetCourse retrieves a course by ID. Returns ErrNotFound when absent.
	GetCourse(ctx context.Context, courseID string) (*domain.Course, error)

	// ListCourses returns every course in insertion order.
	ListCourses(ctx context.Context) ([]*domain.Course, error)

	// CountCourses returns the number of stored courses.
	CountCourses(ctx context.Context) (int, error)

	// SetEnrollment creates or updates an enrollment.
	SetEnrollment(ctx context.Context, enrollment *domain.Enrollment) error

	// ListEnrollments returns a learner's enrollments keyed by course ID.
	ListEnrollments(ctx context.Context, userID string) (map[string]domain.EnrollmentStatus, error)

	// GetRecord reads a learner's key/value record.
	GetRecord(ctx context.Context, userID, key string) (value string, ok bool, err error)

	// PutRecord writes a learner's key/value record.
	PutRecord(ctx context.Context, userID, key, value string) error

	// DeleteRecord removes a learner's key/value record.
	DeleteRecord(ctx context.Context, userID, key string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
