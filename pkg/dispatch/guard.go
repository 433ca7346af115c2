package dispatch

import (
	"fmt"
	"regexp"
)

// builtinForbidden lists prompt patterns that must never reach a worker.
// Matching is case-insensitive. The config may extend but not shrink this
// list.
var builtinForbidden = []string{
	`rm\s+-rf\s+/`,
	`dd\s+if=.*of=/dev/`,
	`mkfs\.`,
	`git\s+push\s+(--force|-f)\b`,
	`kubectl\s+delete\s+(ns|namespace)\b`,
	`oc\s+delete\s+project\b`,
	`drop\s+(database|table)\b`,
	`truncate\s+table\b`,
	`shutdown\s+(-h|now)\b`,
}

// Guard is the compiled forbidden-pattern scanner run on every prompt
// before any I/O happens.
type Guard struct {
	patterns []*regexp.Regexp
}

// NewGuard compiles the built-in patterns plus config extensions.
func NewGuard(extra []string) (*Guard, error) {
	all := make([]string, 0, len(builtinForbidden)+len(extra))
	all = append(all, builtinForbidden...)
	all = append(all, extra...)

	g := &Guard{patterns: make([]*regexp.Regexp, 0, len(all))}
	for _, p := range all {
		compiled, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("invalid forbidden pattern %q: %w", p, err)
		}
		g.patterns = append(g.patterns, compiled)
	}
	return g, nil
}

// Scan returns ErrSecurityBlocked when the prompt matches any forbidden
// pattern.
func (g *Guard) Scan(prompt string) error {
	for _, p := range g.patterns {
		if p.MatchString(prompt) {
			return fmt.Errorf("%w: matched %q", ErrSecurityBlocked, p.String())
		}
	}
	return nil
}
