// Package catalog holds the seed course catalog and the explore-page filtering rules.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/store"
)

// FeaturedCount is the number of courses highlighted on the explore page.
const FeaturedCount = 3

//go:embed courses.yaml
var seedYAML []byte

type seedFile struct {
	Courses []*domain.Course `yaml:"courses"`
}

// Load parses the embedded seed catalog.
func Load() ([]*domain.Course, error) {
	return Parse(seedYAML)
}

// Parse decodes a YAML catalog and validates every entry.
func Parse(data []byte) ([]*domain.Course, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	seen := make(map[string]bool, len(f.Courses))
	for i, c := range f.Courses {
		if c.ID == "" || c.Name == "" {
			return nil, fmt.Errorf("catalog entry %d: id and name are required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if !c.Framework.Valid() {
			return nil, fmt.Errorf("catalog entry %q: %w: %q", c.ID, domain.ErrUnknownFramework, c.Framework)
		}
	}
	return f.Courses, nil
}

// Seed inserts the embedded catalog when the course table is empty and
// returns the number of courses written.
func Seed(ctx context.Context, repo store.Repository) (int, error) {
	n, err := repo.CountCourses(ctx)
	if err != nil {
		return 0, fmt.Errorf("count courses: %w", err)
	}
	if n > 0 {
		slog.Debug("Course catalog already seeded", "courses", n)
		return 0, nil
	}

	courses, err := Load()
	if err != nil {
		return 0, err
	}
	for _, c := range courses {
		if _, err := repo.CreateCourse(ctx, c); err != nil {
			return 0, fmt.Errorf("seed course %s: %w", c.ID, err)
		}
	}
	slog.Info("Seeded course catalog", "courses", len(courses))
	return len(courses), nil
}

// Query narrows a course list. Zero values match everything.
type Query struct {
	Framework       domain.Framework
	Text            string
	ExcludeEnrolled bool
}

// Filter returns the courses matching q, preserving order. Text matches
// case-insensitively against the course name or the framework display name.
func Filter(courses []*domain.Course, enrolled map[string]domain.EnrollmentStatus, q Query) []*domain.Course {
	text := strings.ToLower(strings.TrimSpace(q.Text))

	out := make([]*domain.Course, 0, len(courses))
	for _, c := range courses {
		if q.ExcludeEnrolled {
			if _, ok := enrolled[c.ID]; ok {
				continue
			}
		}
		if q.Framework != "" && c.Framework != q.Framework {
			continue
		}
		if text != "" &&
			!strings.Contains(strings.ToLower(c.Name), text) &&
			!strings.Contains(strings.ToLower(c.Framework.DisplayName()), text) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Featured returns the first FeaturedCount courses.
func Featured(courses []*domain.Course) []*domain.Course {
	if len(courses) <= FeaturedCount {
		return courses
	}
	return courses[:FeaturedCount]
}
