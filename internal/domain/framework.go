package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownFramework is returned when a framework value is not part of the catalog.
var ErrUnknownFramework = errors.New("unknown framework")

// Framework is the technology stack a learning plan and sandbox target.
type Framework string

// Supported frameworks. The values match the sandbox template names.
const (
	FrameworkStatic  Framework = "static"
	FrameworkAngular Framework = "angular"
	FrameworkReact   Framework = "react"
	FrameworkSolid   Framework = "solid"
	FrameworkSvelte  Framework = "svelte"
	FrameworkVanilla Framework = "vanilla"
	FrameworkVue     Framework = "vue"
)

// DefaultFramework is selected until the coach sets another one.
const DefaultFramework = FrameworkReact

var frameworkNames = map[Framework]string{
	FrameworkStatic:  "TypeScript",
	FrameworkAngular: "Angular",
	FrameworkReact:   "React",
	FrameworkSolid:   "Solid",
	FrameworkSvelte:  "Svelte",
	FrameworkVanilla: "JavaScript",
	FrameworkVue:     "Vue",
}

// Frameworks returns every supported framework in display order.
func Frameworks() []Framework {
	return []Framework{
		FrameworkReact,
		FrameworkVue,
		FrameworkAngular,
		FrameworkSolid,
		FrameworkSvelte,
		FrameworkVanilla,
		FrameworkStatic,
	}
}

// ParseFramework validates s against the supported set. Matching is exact:
// the coach is instructed to send the lowercase template name.
func ParseFramework(s string) (Framework, error) {
	f := Framework(s)
	if _, ok := frameworkNames[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFramework, s)
	}
	return f, nil
}

// Valid reports whether f is a supported framework.
func (f Framework) Valid() bool {
	_, ok := frameworkNames[f]
	return ok
}

// DisplayName returns the human readable name used by the explore page search.
func (f Framework) DisplayName() string {
	if name, ok := frameworkNames[f]; ok {
		return name
	}
	return strings.ToUpper(string(f))
}

func (f Framework) String() string {
	return string(f)
}
