package durable

import "testing"

func TestStepPath(t *testing.T) {
	tests := []struct {
		parent string
		seq    int
		want   string
	}{
		{"", 1, "1"},
		{"", 12, "12"},
		{"3", 2, "3-2"},
		{"3-2", 1, "3-2-1"},
	}
	for _, tt := range tests {
		if got := StepPath(tt.parent, tt.seq); got != tt.want {
			t.Errorf("StepPath(%q, %d) = %q, want %q", tt.parent, tt.seq, got, tt.want)
		}
	}
}

func TestHashID(t *testing.T) {
	t.Run("stable", func(t *testing.T) {
		if HashID("3-2") != HashID("3-2") {
			t.Fatal("HashID is not deterministic")
		}
	})

	t.Run("distinct paths", func(t *testing.T) {
		seen := map[string]string{}
		for _, p := range []string{"1", "2", "1-1", "11", "1-1-1", "2-1"} {
			id := HashID(p)
			if prev, ok := seen[id]; ok {
				t.Fatalf("paths %q and %q hash to %s", prev, p, id)
			}
			seen[id] = p
		}
	})

	t.Run("length", func(t *testing.T) {
		if got := len(HashID("1")); got != 32 {
			t.Errorf("len(HashID) = %d, want 32", got)
		}
	})

	t.Run("empty path", func(t *testing.T) {
		if got := HashID(""); got != "" {
			t.Errorf("HashID(\"\") = %q, want empty", got)
		}
	})
}

func TestValidateReplay(t *testing.T) {
	name := "charge"
	other := "refund"
	rec := &Operation{ID: "x", Type: OperationTypeStep, SubType: SubTypeStep, Name: &name}

	tests := []struct {
		desc  string
		want  operationIdentity
		rec   *Operation
		field string
	}{
		{"no record", operationIdentity{Type: OperationTypeWait}, nil, ""},
		{"untyped record", operationIdentity{Type: OperationTypeWait}, &Operation{ID: "x"}, ""},
		{"match", operationIdentity{Type: OperationTypeStep, SubType: SubTypeStep, Name: &name}, rec, ""},
		{"type", operationIdentity{Type: OperationTypeWait, SubType: SubTypeStep, Name: &name}, rec, "type"},
		{"name", operationIdentity{Type: OperationTypeStep, SubType: SubTypeStep, Name: &other}, rec, "name"},
		{"unnamed", operationIdentity{Type: OperationTypeStep, SubType: SubTypeStep}, rec, "name"},
		{"subtype", operationIdentity{Type: OperationTypeStep, SubType: SubTypeWaitForCondition, Name: &name}, rec, "subtype"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			nd := validateReplay("x", tt.want, tt.rec)
			if tt.field == "" {
				if nd != nil {
					t.Fatalf("unexpected mismatch: %v", nd)
				}
				return
			}
			if nd == nil {
				t.Fatalf("expected mismatch on %s", tt.field)
			}
			if nd.Field != tt.field {
				t.Errorf("Field = %q, want %q", nd.Field, tt.field)
			}
		})
	}
}
