package types

import (
	"fmt"
	"time"
)

type OperationType byte

const (
	OpPut    OperationType = 1
	OpDelete OperationType = 2

	// OpAbort is a compensation record: the mutation logged at the target
	// sequence number never reached the table and must not be replayed.
	OpAbort OperationType = 3
)

func (op OperationType) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpAbort:
		return "abort"
	default:
		return fmt.Sprintf("op(%d)", byte(op))
	}
}

// Mutation is a single-row write submitted to the write coordinator.
// Fields holds the full new column set for OpPut; it is ignored for OpDelete.
type Mutation struct {
	Table     string
	Type      OperationType
	Key       string
	Fields    map[string]string
	WriterID  string
	Submitted time.Time
}

// MutationResult is what the applier reports back for one mutation.
type MutationResult struct {
	Seq     uint64
	Existed bool // the key had a live row before the mutation
}
