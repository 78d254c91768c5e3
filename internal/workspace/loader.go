// Package workspace owns the on-disk workspace tree: cached file
// reads, persona resolution, prompt composition, content-addressed
// snapshots, environment bindings and pins, and impact analysis.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Well-known workspace files.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	IdentityFile  = "IDENTITY.md"
	HeartbeatFile = "HEARTBEAT.md"
	ToolsFile     = "TOOLS.md"
	UserFile      = "USER.md"
	BootFile      = "BOOT.md"
	MemoryFile    = "MEMORY.md"

	SoulsDir  = "souls"
	MemoryDir = "memory"
	SkillsDir = "skills"
)

// DefaultFileCharLimit caps how much of a single file enters a prompt.
const DefaultFileCharLimit = 20000

type cachedFile struct {
	content string
	found   bool
}

// Loader reads workspace files with a per-instance cache. Files larger
// than the character limit are truncated with a visible marker so the
// cut is observable downstream.
type Loader struct {
	root  string
	limit int

	mu    sync.RWMutex
	cache map[string]cachedFile
}

// NewLoader builds a loader rooted at root. limit <= 0 selects the
// default character limit.
func NewLoader(root string, limit int) *Loader {
	if root == "" {
		root = "."
	}
	if limit <= 0 {
		limit = DefaultFileCharLimit
	}
	return &Loader{root: root, limit: limit, cache: make(map[string]cachedFile)}
}

// Root returns the workspace root directory.
func (l *Loader) Root() string { return l.root }

// ReadFile returns the (possibly truncated) content of a workspace
// file by relative name. The second return is false when the file does
// not exist.
func (l *Loader) ReadFile(name string) (string, bool) {
	l.mu.RLock()
	if entry, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return entry.content, entry.found
	}
	l.mu.RUnlock()

	entry := l.readUncached(name)

	l.mu.Lock()
	l.cache[name] = entry
	l.mu.Unlock()
	return entry.content, entry.found
}

func (l *Loader) readUncached(name string) cachedFile {
	data, err := os.ReadFile(filepath.Join(l.root, name))
	if err != nil {
		return cachedFile{}
	}
	return cachedFile{content: l.truncate(string(data)), found: true}
}

func (l *Loader) truncate(s string) string {
	if len(s) <= l.limit {
		return s
	}
	return s[:l.limit] + fmt.Sprintf("\n\n[... truncated at %d chars]", l.limit)
}

// Persona loads the role-specific persona from souls/<role>.md, falling
// back to the default SOUL.md when the role has no dedicated file.
func (l *Loader) Persona(role string) (string, bool) {
	if role != "" {
		if content, ok := l.ReadFile(filepath.Join(SoulsDir, role+".md")); ok {
			return content, true
		}
	}
	return l.ReadFile(SoulFile)
}

// Invalidate drops one file from the cache.
func (l *Loader) Invalidate(name string) {
	l.mu.Lock()
	delete(l.cache, name)
	l.mu.Unlock()
}

// InvalidateAll drops the whole cache, forcing fresh reads.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	l.cache = make(map[string]cachedFile)
	l.mu.Unlock()
}

// ListFiles walks the workspace and returns every markdown file path
// relative to the root, sorted by the walk order (lexical).
func (l *Loader) ListFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != l.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	return files, nil
}

// SkillNames lists the skill folders that contain a SKILL.md.
func (l *Loader) SkillNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, SkillsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.root, SkillsDir, e.Name(), "SKILL.md")); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// SkillManifest reads skills/<name>/SKILL.md raw (untruncated; skill
// bodies are size-governed by the registry, not the prompt limit).
func (l *Loader) SkillManifest(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.root, SkillsDir, name, "SKILL.md"))
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", name, err)
	}
	return data, nil
}
