package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoaderReadFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, AgentsFile, "# rules")

	l := NewLoader(root, 0)
	content, ok := l.ReadFile(AgentsFile)
	if !ok {
		t.Fatal("expected AGENTS.md to be found")
	}
	if content != "# rules" {
		t.Errorf("content = %q", content)
	}

	if _, ok := l.ReadFile("MISSING.md"); ok {
		t.Error("missing file reported as found")
	}
}

func TestLoaderTruncation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, AgentsFile, strings.Repeat("x", 150))

	l := NewLoader(root, 100)
	content, _ := l.ReadFile(AgentsFile)
	if !strings.Contains(content, "[... truncated at 100 chars]") {
		t.Errorf("expected truncation marker, got tail %q", content[len(content)-40:])
	}
	if !strings.HasPrefix(content, strings.Repeat("x", 100)) {
		t.Error("truncated content should keep the first 100 chars")
	}
}

func TestLoaderCacheAndInvalidate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, SoulFile, "v1")

	l := NewLoader(root, 0)
	if content, _ := l.ReadFile(SoulFile); content != "v1" {
		t.Fatalf("content = %q", content)
	}

	writeFile(t, root, SoulFile, "v2")
	if content, _ := l.ReadFile(SoulFile); content != "v1" {
		t.Errorf("cached read changed: %q", content)
	}

	l.Invalidate(SoulFile)
	if content, _ := l.ReadFile(SoulFile); content != "v2" {
		t.Errorf("after invalidate content = %q", content)
	}
}

func TestPersonaRoleFallback(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, SoulFile, "default persona")
	writeFile(t, root, filepath.Join(SoulsDir, "researcher.md"), "researcher persona")

	l := NewLoader(root, 0)

	if content, _ := l.Persona("researcher"); content != "researcher persona" {
		t.Errorf("role persona = %q", content)
	}
	if content, _ := l.Persona("support"); content != "default persona" {
		t.Errorf("fallback persona = %q", content)
	}
	if content, _ := l.Persona(""); content != "default persona" {
		t.Errorf("empty role persona = %q", content)
	}
}

func TestSkillNames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, filepath.Join(SkillsDir, "summarize", "SKILL.md"), "---\nname: summarize\n---\nbody")
	writeFile(t, root, filepath.Join(SkillsDir, "empty", "notes.md"), "no manifest here")

	l := NewLoader(root, 0)
	names, err := l.SkillNames()
	if err != nil {
		t.Fatalf("SkillNames: %v", err)
	}
	if len(names) != 1 || names[0] != "summarize" {
		t.Errorf("names = %v", names)
	}
}

func TestComposeFullAndMinimal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, AgentsFile, "rules here")
	writeFile(t, root, SoulFile, "persona here")
	writeFile(t, root, ToolsFile, "tool notes")
	writeFile(t, root, MemoryFile, "remember this")

	c := NewComposer(NewLoader(root, 0))

	full := c.Compose(PromptRequest{
		Mode:          PromptFull,
		IncludeMemory: true,
		SkillBodies:   []string{"skill body"},
		Now:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	for _, want := range []string{"persona here", "rules here", "skill body", "remember this"} {
		if !strings.Contains(full, want) {
			t.Errorf("full prompt missing %q", want)
		}
	}

	minimal := c.Compose(PromptRequest{Mode: PromptMinimal})
	if !strings.Contains(minimal, "rules here") || !strings.Contains(minimal, "tool notes") {
		t.Errorf("minimal prompt = %q", minimal)
	}
	if strings.Contains(minimal, "persona here") {
		t.Error("minimal prompt must not include the persona")
	}
}

func TestMemoryContextDailyFiles(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	writeFile(t, root, MemoryFile, "long term")
	writeFile(t, root, filepath.Join(MemoryDir, "2026-08-25.md"), "yesterday notes")
	writeFile(t, root, filepath.Join(MemoryDir, "2026-08-26.md"), "today notes")

	c := NewComposer(NewLoader(root, 0))
	mem := c.MemoryContext(now)

	for _, want := range []string{"long term", "Yesterday (2026-08-25)", "yesterday notes", "Today (2026-08-26)", "today notes"} {
		if !strings.Contains(mem, want) {
			t.Errorf("memory context missing %q", want)
		}
	}
}

func TestTimeContextZoneResolution(t *testing.T) {
	now := time.Date(2026, 8, 26, 20, 30, 0, 0, time.UTC)

	ctx := TimeContext(now, "America/New_York", "UTC")
	if !strings.Contains(ctx, "America/New_York") {
		t.Errorf("override zone not used: %q", ctx)
	}
	if !strings.Contains(ctx, "4:30 PM") {
		t.Errorf("expected 12-hour eastern time, got %q", ctx)
	}

	ctx = TimeContext(now, "Not/AZone", "UTC")
	if !strings.Contains(ctx, "UTC") {
		t.Errorf("fallback zone not used: %q", ctx)
	}
}

func TestContextStats(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, AgentsFile, strings.Repeat("a", 50))
	writeFile(t, root, SoulFile, strings.Repeat("b", 30))

	c := NewComposer(NewLoader(root, 0))
	report := c.ContextStats("", 80)
	if report.WarnPct != 80 {
		t.Errorf("WarnPct = %d", report.WarnPct)
	}
	if report.TotalChars != 80 {
		t.Errorf("TotalChars = %d", report.TotalChars)
	}
	var sawMissing bool
	for _, stat := range report.Files {
		if stat.Name == UserFile && stat.Missing {
			sawMissing = true
		}
	}
	if !sawMissing {
		t.Error("USER.md should be reported missing")
	}
}
