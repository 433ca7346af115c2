package models

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// PlanStep is one step of a structured plan carried in a turn's plan
// payload. Agents emit plans as markdown with an optional YAML frontmatter
// block listing the steps.
type PlanStep struct {
	ID     int    `yaml:"id"`
	Title  string `yaml:"title"`
	Owner  string `yaml:"owner,omitempty"`
	Status string `yaml:"status,omitempty"`
}

type planFrontmatter struct {
	Steps []PlanStep `yaml:"steps"`
}

// ParsePlan splits a plan payload into its frontmatter steps and the
// remaining body. A payload without a leading "---" fence is returned
// unchanged with no steps. Malformed frontmatter is treated as body text
// rather than rejected; plans are advisory, not load-bearing.
func ParsePlan(plan string) ([]PlanStep, string) {
	if !strings.HasPrefix(plan, "---\n") && plan != "---" {
		return nil, plan
	}
	rest := strings.TrimPrefix(plan, "---\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return nil, plan
	}
	head := rest[:idx]
	body := rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	var fm planFrontmatter
	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return nil, plan
	}
	return fm.Steps, body
}
