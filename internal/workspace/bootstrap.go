package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BootMarker records that bootstrap already ran for a workspace.
const BootMarker = ".boot-complete"

// BootstrapFile is one file to seed in a fresh workspace.
type BootstrapFile struct {
	Name    string
	Content string
}

// BootstrapResult captures the files created or skipped.
type BootstrapResult struct {
	Created []string `json:"created"`
	Skipped []string `json:"skipped"`
}

// DefaultBootstrapFiles returns the default seed set for a new
// workspace.
func DefaultBootstrapFiles() []BootstrapFile {
	return []BootstrapFile{
		{
			Name: AgentsFile,
			Content: "# AGENTS.md - Operating Rules\n\n" +
				"This workspace is the agent's working directory.\n\n" +
				"## Safety\n" +
				"- Do not exfiltrate secrets or private data.\n" +
				"- Avoid destructive actions unless explicitly requested.\n\n" +
				"## Workflow\n" +
				"- Be concise; put longer output in files.\n" +
				"- Ask clarifying questions when requirements are unclear.\n" +
				"- Append day notes in memory/YYYY-MM-DD.md.\n",
		},
		{
			Name: SoulFile,
			Content: "# SOUL.md - Persona & Boundaries\n\n" +
				"- Tone: concise, direct, and friendly.\n" +
				"- Ask clarifying questions when needed.\n" +
				"- Stay within the declared tool permissions.\n",
		},
		{
			Name: IdentityFile,
			Content: "# IDENTITY.md - Agent Identity\n\n" +
				"- Name:\n" +
				"- Vibe:\n" +
				"- Emoji:\n",
		},
		{
			Name: ToolsFile,
			Content: "# TOOLS.md - Tool Notes (editable)\n\n" +
				"Add notes about available tools, conventions, or shortcuts here.\n",
		},
		{
			Name: HeartbeatFile,
			Content: "# HEARTBEAT.md\n\n" +
				"- Only report items that are new or changed.\n" +
				"- If nothing needs attention, reply HEARTBEAT_OK.\n",
		},
		{
			Name: UserFile,
			Content: "# USER.md - User Profile\n\n" +
				"- Name:\n" +
				"- Preferred address:\n" +
				"- Timezone (optional):\n" +
				"- Notes:\n",
		},
		{
			Name: BootFile,
			Content: "# BOOT.md - First Run\n\n" +
				"Introduce yourself and confirm the workspace layout.\n",
		},
		{
			Name: MemoryFile,
			Content: "# MEMORY.md - Long-Term Memory\n\n" +
				"Capture durable facts, preferences, and decisions here.\n",
		},
	}
}

// EnsureWorkspaceFiles creates missing files in the workspace root.
// Existing files are skipped unless overwrite is set.
func EnsureWorkspaceFiles(root string, files []BootstrapFile, overwrite bool) (BootstrapResult, error) {
	result := BootstrapResult{}
	base := strings.TrimSpace(root)
	if base == "" {
		base = "."
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return result, fmt.Errorf("create workspace dir: %w", err)
	}

	for _, file := range files {
		name := strings.TrimSpace(file.Name)
		if name == "" {
			continue
		}
		path := filepath.Join(base, name)
		if !overwrite {
			if _, err := os.Stat(path); err == nil {
				result.Skipped = append(result.Skipped, name)
				continue
			} else if !os.IsNotExist(err) {
				return result, fmt.Errorf("stat %s: %w", path, err)
			}
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("write %s: %w", path, err)
		}
		result.Created = append(result.Created, name)
	}

	return result, nil
}

// BootComplete reports whether the bootstrap marker exists.
func BootComplete(root string) bool {
	_, err := os.Stat(filepath.Join(root, BootMarker))
	return err == nil
}

// MarkBootComplete writes the bootstrap marker.
func MarkBootComplete(root string) error {
	if err := os.WriteFile(filepath.Join(root, BootMarker), []byte("ok\n"), 0o644); err != nil {
		return fmt.Errorf("write boot marker: %w", err)
	}
	return nil
}
