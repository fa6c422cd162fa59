package store

import (
	"context"
	"sync"
	"testing"

	"github.com/dshills/durable-go/durable"
)

func TestMemStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	payload := `"in"`
	root := durable.Operation{
		ID:               "root",
		Type:             durable.OperationTypeExecution,
		Status:           durable.StatusStarted,
		ExecutionDetails: &durable.ExecutionDetails{InputPayload: &payload},
	}
	if err := m.CreateExecution(ctx, Execution{Arn: "a", Status: ExecutionRunning, Token: "t"}, root); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if err := m.Append(ctx, "a", nil, durable.Operation{ID: "s1", Type: durable.OperationTypeStep}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := m.SaveCallback(ctx, Callback{ID: "cb", Arn: "a", OperationID: "s1"}); err != nil {
		t.Fatalf("SaveCallback failed: %v", err)
	}

	data, err := m.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}

	restored := NewMemStore()
	if err := restored.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}

	ops, err := restored.Operations(ctx, "a")
	if err != nil {
		t.Fatalf("Operations failed: %v", err)
	}
	if len(ops) != 2 || ops[0].ID != "root" || ops[1].ID != "s1" {
		t.Fatalf("unexpected operations after restore: %+v", ops)
	}
	if cb, err := restored.GetCallback(ctx, "cb"); err != nil || cb.OperationID != "s1" {
		t.Errorf("callback not restored: %+v, %v", cb, err)
	}

	// New writes still work on the restored maps.
	if err := restored.Append(ctx, "a", nil, durable.Operation{ID: "s2"}); err != nil {
		t.Errorf("Append after restore failed: %v", err)
	}
}

func TestMemStore_UnmarshalEmpty(t *testing.T) {
	m := NewMemStore()
	if err := m.UnmarshalJSON([]byte(`{}`)); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if err := m.SaveCallback(context.Background(), Callback{ID: "x"}); err != nil {
		t.Errorf("maps not initialized after empty restore: %v", err)
	}
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	result := "v1"
	root := durable.Operation{ID: "root", Type: durable.OperationTypeExecution}
	_ = m.CreateExecution(ctx, Execution{Arn: "a"}, root)
	_ = m.Append(ctx, "a", nil, durable.Operation{ID: "s", StepDetails: &durable.StepDetails{Result: &result}})

	op, _ := m.Operation(ctx, "a", "s")
	*op.StepDetails.Result = "mutated"

	again, _ := m.Operation(ctx, "a", "s")
	if *again.StepDetails.Result != "v1" {
		t.Errorf("stored operation was mutated through a returned copy")
	}
}

func TestMemStore_ConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	_ = m.CreateExecution(ctx, Execution{Arn: "a"}, durable.Operation{ID: "root"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Append(ctx, "a", nil, durable.Operation{ID: durable.HashID(durable.StepPath("", i+1))})
		}(i)
	}
	wg.Wait()

	ops, _ := m.Operations(ctx, "a")
	if len(ops) != 51 {
		t.Errorf("expected 51 operations, got %d", len(ops))
	}
}
