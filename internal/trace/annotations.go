package trace

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/errkind"
)

// Annotations is the append-only annotation store. Annotations never
// mutate the trace itself.
type Annotations struct {
	db *sql.DB
}

// NewAnnotations builds the annotation store.
func NewAnnotations(db *sql.DB) *Annotations { return &Annotations{db: db} }

// Add appends an annotation to a trace.
func (a *Annotations) Add(ctx context.Context, traceID, key, value, author string) (*Annotation, error) {
	if traceID == "" || key == "" {
		return nil, errkind.New(errkind.Validation, "trace id and key are required")
	}
	created := time.Now().UTC()
	res, err := a.db.ExecContext(ctx, `
		INSERT INTO trace_annotations (trace_id, key, value, author, created_at)
		VALUES (?, ?, ?, ?, ?)`, traceID, key, value, author, created)
	if err != nil {
		return nil, fmt.Errorf("add annotation: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Annotation{ID: id, TraceID: traceID, Key: key, Value: value, Author: author, CreatedAt: created}, nil
}

// ForTrace returns a trace's annotations in append order.
func (a *Annotations) ForTrace(ctx context.Context, traceID string) ([]Annotation, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, trace_id, key, value, author, created_at
		FROM trace_annotations WHERE trace_id = ? ORDER BY id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		var an Annotation
		if err := rows.Scan(&an.ID, &an.TraceID, &an.Key, &an.Value, &an.Author, &an.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out = append(out, an)
	}
	return out, rows.Err()
}
