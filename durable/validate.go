package durable

// operationIdentity is what the code path declares for an operation.
type operationIdentity struct {
	Type    OperationType
	SubType OperationSubType
	Name    *string
}

// validateReplay compares the declared identity of operation id with its
// recorded entry. It returns nil when there is no record yet, or the record
// has no type. Names are compared including absence: an unnamed operation
// never matches a named record.
func validateReplay(id string, want operationIdentity, recorded *Operation) *NonDeterministicError {
	if recorded == nil || recorded.Type == "" {
		return nil
	}
	if recorded.Type != want.Type {
		return &NonDeterministicError{OperationID: id, Field: "type", Expected: string(recorded.Type), Actual: string(want.Type)}
	}
	if !sameName(recorded.Name, want.Name) {
		return &NonDeterministicError{OperationID: id, Field: "name", Expected: describeName(recorded.Name), Actual: describeName(want.Name)}
	}
	if recorded.SubType != want.SubType {
		return &NonDeterministicError{OperationID: id, Field: "subtype", Expected: string(recorded.SubType), Actual: string(want.SubType)}
	}
	return nil
}

func sameName(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func describeName(n *string) string {
	if n == nil {
		return "<unnamed>"
	}
	return *n
}
