package audit

import (
	"context"
	"testing"

	"github.com/fentz26/contextmem/internal/store/memstore"
)

func TestRecord_HashesInputs(t *testing.T) {
	ctx := context.Background()
	w := NewPDRWriter(memstore.New())

	inputs := map[string]any{"model_type": "error_prediction", "min_samples": 10}
	a, err := w.Record(ctx, ActionModelTrain, inputs, OutcomeSuccess, "model-1", "version 1")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	b, err := w.Record(ctx, ActionModelTrain, inputs, OutcomeFailure, "model-1", "")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if a.InputsHash != b.InputsHash {
		t.Errorf("same inputs hashed differently: %s vs %s", a.InputsHash, b.InputsHash)
	}
	if len(a.InputsHash) != 64 {
		t.Errorf("expected sha256 hex digest, got %q", a.InputsHash)
	}
	if a.InputsHash == hashInputs(map[string]any{"model_type": "task_sequencing"}) {
		t.Error("different inputs produced the same hash")
	}
}

func TestRecord_UnencodableInputs(t *testing.T) {
	if got := hashInputs(make(chan int)); got != "hash_error" {
		t.Errorf("expected hash_error, got %q", got)
	}
}

func TestList_FiltersByAction(t *testing.T) {
	ctx := context.Background()
	w := NewPDRWriter(memstore.New())

	for _, action := range []string{ActionEntityCleanup, ActionModelTrain, ActionEntityCleanup} {
		if _, err := w.Record(ctx, action, nil, OutcomeSuccess, "", ""); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	entries, err := w.List(ctx, ActionEntityCleanup, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Action != ActionEntityCleanup {
			t.Errorf("unexpected action %q", e.Action)
		}
	}
}
