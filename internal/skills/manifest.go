// Package skills manages versioned skill declarations: manifest parsing,
// the registry with lifecycle states, gating, and the test runner.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename inside a skill folder.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.\-]+)?$`)

// Parameter declares one skill input.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description"`
	Required    bool   `json:"required,omitempty" yaml:"required"`
}

// OutputField declares one field of the skill's structured output.
type OutputField struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Gating restricts where a skill may run.
type Gating struct {
	// Always bypasses every other gate.
	Always bool `json:"always,omitempty" yaml:"always"`
	// OS restricts to specific platforms (darwin, linux, windows).
	OS []string `json:"os,omitempty" yaml:"os"`
	// Env requires all listed environment variables to be set.
	Env []string `json:"env,omitempty" yaml:"env"`
	// Bins requires all listed binaries to exist on PATH.
	Bins []string `json:"bins,omitempty" yaml:"bins"`
}

// Redaction declares skill-specific redaction behavior.
type Redaction struct {
	Patterns []string `json:"patterns,omitempty" yaml:"patterns"`
	Strategy string   `json:"strategy,omitempty" yaml:"strategy"`
}

// TestCase is one embedded evaluation case.
type TestCase struct {
	Name  string         `json:"name" yaml:"name"`
	Input map[string]any `json:"input,omitempty" yaml:"input"`
	// Expect lists output fields that must be present and non-empty.
	Expect []string `json:"expect,omitempty" yaml:"expect"`
}

// Manifest is a parsed skill declaration. Once published, (name, version)
// is immutable.
type Manifest struct {
	Name        string        `json:"name" yaml:"name"`
	Version     string        `json:"version" yaml:"version"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Parameters  []Parameter   `json:"parameters,omitempty" yaml:"parameters"`
	Outputs     []OutputField `json:"outputs,omitempty" yaml:"outputs"`
	// Permissions is the subset of tools the skill may invoke.
	Permissions []string  `json:"permissions,omitempty" yaml:"permissions"`
	Models      []string  `json:"models,omitempty" yaml:"models"`
	Gating      *Gating   `json:"gating,omitempty" yaml:"gating"`
	Redaction   *Redaction `json:"redaction,omitempty" yaml:"redaction"`
	Tests       []TestCase `json:"tests,omitempty" yaml:"tests"`

	// Body carries the markdown instructions following the frontmatter.
	Body string `json:"-" yaml:"-"`
}

// Parse parses SKILL.md content: YAML frontmatter plus markdown body.
func Parse(data []byte) (*Manifest, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(frontmatter, &m); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	m.Body = strings.TrimSpace(string(body))

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields and shapes.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range m.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", m.Name)
		}
	}
	if m.Version == "" {
		return fmt.Errorf("skill version is required")
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("version %q is not semver-shaped", m.Version)
	}
	for _, p := range m.Permissions {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("empty tool permission")
		}
	}
	for i, tc := range m.Tests {
		if tc.Name == "" {
			return fmt.Errorf("test case %d missing name", i)
		}
	}
	return nil
}

// PermitsTool reports whether the manifest declares the tool.
func (m *Manifest) PermitsTool(name string) bool {
	for _, p := range m.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// splitFrontmatter separates the YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatterLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			foundClosing = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontmatterLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
