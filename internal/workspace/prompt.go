package workspace

import (
	"fmt"
	"strings"
	"time"
)

// PromptMode selects how much context the composer assembles.
type PromptMode string

const (
	// PromptFull is persona + operating rules + skills + memory + time.
	PromptFull PromptMode = "full"
	// PromptMinimal is operating rules + tool notes only, for
	// sub-agent and heartbeat contexts where tokens are tight.
	PromptMinimal PromptMode = "minimal"
)

// PromptRequest parameterizes one composition.
type PromptRequest struct {
	Mode PromptMode
	Role string
	// SkillBodies are the admitted skills' instruction bodies, in
	// prompt order.
	SkillBodies []string
	// IncludeMemory pulls MEMORY.md and the daily files in.
	IncludeMemory bool
	// Timezone overrides the configured default; empty falls through
	// to the default, then the system zone.
	Timezone        string
	DefaultTimezone string
	IncludeTime     bool
	Now             time.Time
}

// Composer assembles system prompts from workspace files.
type Composer struct {
	loader *Loader
}

// NewComposer builds a composer over the loader.
func NewComposer(loader *Loader) *Composer {
	return &Composer{loader: loader}
}

// Compose builds the system prompt for the request.
func (c *Composer) Compose(req PromptRequest) string {
	var sections []string
	add := func(label, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		if label != "" {
			sections = append(sections, "## "+label+"\n\n"+content)
		} else {
			sections = append(sections, content)
		}
	}

	switch req.Mode {
	case PromptMinimal:
		if rules, ok := c.loader.ReadFile(AgentsFile); ok {
			add("", rules)
		}
		if tools, ok := c.loader.ReadFile(ToolsFile); ok {
			add("Tools", tools)
		}
	default:
		if persona, ok := c.loader.Persona(req.Role); ok {
			add("", persona)
		}
		if rules, ok := c.loader.ReadFile(AgentsFile); ok {
			add("Operating Rules", rules)
		}
		for _, body := range req.SkillBodies {
			add("Skill", body)
		}
		if req.IncludeMemory {
			if mem := c.MemoryContext(req.Now); mem != "" {
				add("Memory", mem)
			}
		}
		if req.IncludeTime {
			add("Current Time", TimeContext(req.Now, req.Timezone, req.DefaultTimezone))
		}
	}

	return strings.Join(sections, "\n\n")
}

// MemoryContext concatenates the curated long-term file with the two
// most recent daily files, each labeled. Missing files are skipped.
func (c *Composer) MemoryContext(now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	var parts []string
	if longTerm, ok := c.loader.ReadFile(MemoryFile); ok && strings.TrimSpace(longTerm) != "" {
		parts = append(parts, "### Long-term\n\n"+strings.TrimSpace(longTerm))
	}
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
	if content, ok := c.loader.ReadFile(MemoryDir + "/" + yesterday + ".md"); ok {
		parts = append(parts, "### Yesterday ("+yesterday+")\n\n"+strings.TrimSpace(content))
	}
	today := now.Format("2006-01-02")
	if content, ok := c.loader.ReadFile(MemoryDir + "/" + today + ".md"); ok {
		parts = append(parts, "### Today ("+today+")\n\n"+strings.TrimSpace(content))
	}
	return strings.Join(parts, "\n\n")
}

// TimeContext renders the date, 12-hour time, and timezone. Zone
// resolution: request override, then configured default, then the
// system zone. Unloadable zones fall through.
func TimeContext(now time.Time, override, fallback string) string {
	if now.IsZero() {
		now = time.Now()
	}
	loc := now.Location()
	for _, name := range []string{override, fallback} {
		if name == "" {
			continue
		}
		if parsed, err := time.LoadLocation(name); err == nil {
			loc = parsed
			break
		}
	}
	local := now.In(loc)
	return fmt.Sprintf("Date: %s\nTime: %s\nTimezone: %s",
		local.Format("Monday, January 2, 2006"),
		local.Format("3:04 PM"),
		loc.String())
}

// FileStat describes one bootstrap file's contribution to the prompt.
type FileStat struct {
	Name      string `json:"name"`
	Chars     int    `json:"chars"`
	Truncated bool   `json:"truncated"`
	Missing   bool   `json:"missing,omitempty"`
}

// ContextReport summarizes prompt-size pressure for an assembled role.
type ContextReport struct {
	Role       string     `json:"role"`
	Files      []FileStat `json:"files"`
	TotalChars int        `json:"total_chars"`
	// WarnPct is the configured warning threshold against the model
	// context window, echoed for the caller.
	WarnPct int `json:"warn_pct"`
}

// ContextStats reports per-file prompt sizes for the role's full
// prompt composition.
func (c *Composer) ContextStats(role string, warnPct int) *ContextReport {
	report := &ContextReport{Role: role, WarnPct: warnPct}
	files := []string{AgentsFile, SoulFile, IdentityFile, ToolsFile, HeartbeatFile, UserFile, MemoryFile}
	if role != "" {
		files = append([]string{SoulsDir + "/" + role + ".md"}, files...)
	}
	for _, name := range files {
		content, ok := c.loader.ReadFile(name)
		stat := FileStat{Name: name, Chars: len(content), Missing: !ok}
		stat.Truncated = strings.Contains(content, "[... truncated at ")
		report.Files = append(report.Files, stat)
		report.TotalChars += stat.Chars
	}
	return report
}
