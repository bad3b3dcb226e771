package domain

import "time"

// Difficulty grades a course.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "Beginner"
	DifficultyIntermediate Difficulty = "Intermediate"
	DifficultyAdvanced     Difficulty = "Advanced"
)

// Course is a guided coding module shown on the dashboard.
type Course struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Prompt      string     `json:"prompt" yaml:"prompt"`
	LogoURL     string     `json:"logo_url" yaml:"logo_url"`
	Framework   Framework  `json:"framework" yaml:"framework"`
	Difficulty  Difficulty `json:"difficulty" yaml:"difficulty"`
	DurationMin int        `json:"duration_min" yaml:"duration_min"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
}

// EnrollmentStatus tracks a learner's progress through a course.
type EnrollmentStatus string

const (
	EnrollmentEnrolled EnrollmentStatus = "enrolled"
	EnrollmentFinished EnrollmentStatus = "finished"
)

// Valid reports whether s is a known enrollment status.
func (s EnrollmentStatus) Valid() bool {
	return s == EnrollmentEnrolled || s == EnrollmentFinished
}

// Enrollment links a learner to a course.
type Enrollment struct {
	UserID    string           `json:"user_id"`
	CourseID  string           `json:"course_id"`
	Status    EnrollmentStatus `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}
