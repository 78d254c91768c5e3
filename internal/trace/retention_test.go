package trace

import (
	"context"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/errkind"
)

func TestSetPolicyValidation(t *testing.T) {
	r := NewRetention(testDB(t), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		policy Policy
	}{
		{"missing tenant", Policy{RetentionDays: 30}},
		{"zero days", Policy{TenantID: "acme", RetentionDays: 0}},
		{"unknown sampling", Policy{TenantID: "acme", RetentionDays: 30, Sampling: "everything"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.SetPolicy(ctx, tc.policy)
			if errkind.KindOf(err) != errkind.Validation {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestSetPolicyDefaultsAndReplace(t *testing.T) {
	r := NewRetention(testDB(t), nil, nil)
	ctx := context.Background()

	if err := r.SetPolicy(ctx, Policy{TenantID: "acme", RetentionDays: 30}); err != nil {
		t.Fatalf("set: %v", err)
	}
	p, err := r.GetPolicy(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Sampling != SamplingFull || p.StorageMode != "standard" {
		t.Errorf("defaults not applied: %+v", p)
	}

	if err := r.SetPolicy(ctx, Policy{TenantID: "acme", RetentionDays: 7, Sampling: SamplingErrorsOnly}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	p, err = r.GetPolicy(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.RetentionDays != 7 || p.Sampling != SamplingErrorsOnly {
		t.Errorf("replacement not applied: %+v", p)
	}
}

func TestGetPolicyUnconfigured(t *testing.T) {
	r := NewRetention(testDB(t), nil, nil)
	p, err := r.GetPolicy(context.Background(), "nobody")
	if err != nil || p != nil {
		t.Errorf("p = %v, err = %v", p, err)
	}
}

func TestAdmit(t *testing.T) {
	okTrace := &Trace{ID: "tr_a"}
	errTrace := &Trace{ID: "tr_b", Error: "boom"}

	if !Admit(nil, okTrace) {
		t.Error("no policy must admit everything")
	}
	if !Admit(&Policy{Sampling: SamplingFull}, okTrace) {
		t.Error("full sampling must admit")
	}
	if Admit(&Policy{Sampling: SamplingErrorsOnly}, okTrace) {
		t.Error("errors_only must drop clean traces")
	}
	if !Admit(&Policy{Sampling: SamplingErrorsOnly}, errTrace) {
		t.Error("errors_only must keep errored traces")
	}
	if !Admit(&Policy{Sampling: SamplingSampled}, errTrace) {
		t.Error("sampled must always keep errored traces")
	}

	// Deterministic by id: the same trace gets the same verdict every time.
	p := &Policy{Sampling: SamplingSampled}
	first := Admit(p, okTrace)
	for i := 0; i < 5; i++ {
		if Admit(p, okTrace) != first {
			t.Fatal("sampled admission must be deterministic per id")
		}
	}
}

func TestEnforceDeletesExpiredTraces(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	traces := NewStore(db)
	r := NewRetention(db, traces, nil)

	old := sealedTrace("acme", "assistant", nil)
	old.StartedAt = time.Now().UTC().AddDate(0, 0, -45)
	fresh := sealedTrace("acme", "assistant", nil)
	for _, tr := range []*Trace{old, fresh} {
		if err := traces.Save(ctx, tr); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := r.SetPolicy(ctx, Policy{TenantID: "acme", RetentionDays: 30}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	stats, err := r.Enforce(ctx)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if stats.TenantsChecked != 1 || stats.TracesDeleted != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := traces.Get(ctx, "acme", old.ID); errkind.KindOf(err) != errkind.NotFound {
		t.Errorf("expired trace should be gone, got %v", err)
	}
}

func TestCoverageStats(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	traces := NewStore(db)
	r := NewRetention(db, traces, nil)

	if err := traces.Save(ctx, sealedTrace("acme", "assistant", nil)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := traces.Save(ctx, sealedTrace("acme", "assistant", context.DeadlineExceeded)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.SetPolicy(ctx, Policy{TenantID: "acme", RetentionDays: 14, Sampling: SamplingSampled}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	stats, err := r.Stats(ctx, "acme")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.StoredTraces != 2 || stats.ErrorTraces != 1 {
		t.Errorf("counts = %d/%d", stats.StoredTraces, stats.ErrorTraces)
	}
	if stats.RetentionDays != 14 || stats.Sampling != SamplingSampled {
		t.Errorf("policy view = %+v", stats)
	}
}
