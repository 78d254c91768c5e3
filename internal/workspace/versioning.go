package workspace

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
)

// FileVersion is one file inside a snapshot.
type FileVersion struct {
	Hash    string `json:"hash"`
	Size    int    `json:"size"`
	Content string `json:"content"`
}

// Version is an immutable content-addressed workspace snapshot. The
// roll-up hash is the snapshot id.
type Version struct {
	Hash        string                 `json:"hash"`
	WorkspaceID string                 `json:"workspace_id"`
	Message     string                 `json:"message,omitempty"`
	Files       map[string]FileVersion `json:"files"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ChangeStatus classifies one file's movement between two snapshots.
type ChangeStatus string

const (
	StatusAdded     ChangeStatus = "added"
	StatusModified  ChangeStatus = "modified"
	StatusDeleted   ChangeStatus = "deleted"
	StatusUnchanged ChangeStatus = "unchanged"
)

// FileChange is one entry of a snapshot diff.
type FileChange struct {
	Path    string       `json:"path"`
	Status  ChangeStatus `json:"status"`
	OldSize int          `json:"old_size"`
	NewSize int          `json:"new_size"`
}

// Versions manages workspace snapshots over the store.
type Versions struct {
	db     *sql.DB
	loader *Loader
	log    *audit.Log
}

// NewVersions builds the snapshot manager.
func NewVersions(db *sql.DB, loader *Loader, log *audit.Log) *Versions {
	return &Versions{db: db, loader: loader, log: log}
}

// Snapshot reads every markdown file in the workspace, hashes each,
// computes the roll-up hash, and persists the snapshot. Snapshotting
// identical content yields the same hash; the existing row is kept.
func (v *Versions) Snapshot(ctx context.Context, workspaceID, message string) (*Version, error) {
	paths, err := v.loader.ListFiles()
	if err != nil {
		return nil, err
	}

	files := make(map[string]FileVersion, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(filepath.Join(v.loader.Root(), path))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		sum := sha256.Sum256(data)
		files[path] = FileVersion{
			Hash:    hex.EncodeToString(sum[:]),
			Size:    len(data),
			Content: string(data),
		}
	}

	version := &Version{
		Hash:        rollupHash(files),
		WorkspaceID: workspaceID,
		Message:     message,
		Files:       files,
		CreatedAt:   time.Now().UTC(),
	}

	encoded, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO workspace_versions (hash, workspace_id, message, files, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		version.Hash, workspaceID, message, string(encoded), version.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return version, nil
}

// Get loads a snapshot by its roll-up hash.
func (v *Versions) Get(ctx context.Context, hash string) (*Version, error) {
	row := v.db.QueryRowContext(ctx, `
		SELECT hash, workspace_id, message, files, created_at
		FROM workspace_versions WHERE hash = ?`, hash)

	var version Version
	var encoded string
	err := row.Scan(&version.Hash, &version.WorkspaceID, &version.Message, &encoded, &version.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "workspace version %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), &version.Files); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &version, nil
}

// List returns snapshot descriptors for a workspace, newest first,
// without file contents.
func (v *Versions) List(ctx context.Context, workspaceID string, limit int) ([]*Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := v.db.QueryContext(ctx, `
		SELECT hash, workspace_id, message, created_at
		FROM workspace_versions WHERE workspace_id = ?
		ORDER BY created_at DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		var version Version
		if err := rows.Scan(&version.Hash, &version.WorkspaceID, &version.Message, &version.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &version)
	}
	return out, rows.Err()
}

// Diff compares two snapshots per file.
func (v *Versions) Diff(ctx context.Context, oldHash, newHash string) ([]FileChange, error) {
	oldVersion, err := v.Get(ctx, oldHash)
	if err != nil {
		return nil, err
	}
	newVersion, err := v.Get(ctx, newHash)
	if err != nil {
		return nil, err
	}
	return DiffFiles(oldVersion.Files, newVersion.Files), nil
}

// DiffFiles computes per-file change statuses between two file maps.
func DiffFiles(oldFiles, newFiles map[string]FileVersion) []FileChange {
	paths := make(map[string]bool, len(oldFiles)+len(newFiles))
	for p := range oldFiles {
		paths[p] = true
	}
	for p := range newFiles {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	changes := make([]FileChange, 0, len(sorted))
	for _, path := range sorted {
		oldFile, inOld := oldFiles[path]
		newFile, inNew := newFiles[path]
		change := FileChange{Path: path, OldSize: oldFile.Size, NewSize: newFile.Size}
		switch {
		case !inOld:
			change.Status = StatusAdded
		case !inNew:
			change.Status = StatusDeleted
		case oldFile.Hash != newFile.Hash:
			change.Status = StatusModified
		default:
			change.Status = StatusUnchanged
		}
		changes = append(changes, change)
	}
	return changes
}

// Rollback overwrites the current workspace files from the snapshot
// and records a workspace_change audit entry. Files present on disk
// but absent from the snapshot are left alone.
func (v *Versions) Rollback(ctx context.Context, tenant, hash string) (*Version, error) {
	version, err := v.Get(ctx, hash)
	if err != nil {
		return nil, err
	}

	for path, file := range version.Files {
		full := filepath.Join(v.loader.Root(), path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("restore %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(file.Content), 0o644); err != nil {
			return nil, fmt.Errorf("restore %s: %w", path, err)
		}
	}
	v.loader.InvalidateAll()

	v.log.MustRecord(ctx, audit.Entry{
		TenantID:    tenant,
		WorkspaceID: version.WorkspaceID,
		Type:        audit.EventWorkspaceChange,
		Payload: map[string]any{
			"action": "rollback",
			"hash":   hash,
			"files":  len(version.Files),
		},
	})
	return version, nil
}

// rollupHash hashes the sorted (path, hash) pairs so the snapshot id
// is stable across map iteration order.
func rollupHash(files map[string]FileVersion) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s:%s\n", p, files[p].Hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}
