package lease

import (
	"LineDB/types"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LeaseRecord is what a provider stores about the current holder of a table.
type LeaseRecord struct {
	Table      string    `json:"table"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	Released   bool      `json:"released"`
}

// LeaseProvider is the cross-process half of the coordinator: an exclusive,
// non-blocking lock per table plus a record of who holds it.
type LeaseProvider interface {
	// TryAcquire takes the table's lock once without waiting. A busy lock is a
	// *types.LockError wrapping ErrLeaseConflict. prev is the record of a
	// previous holder that never released, nil after a clean release.
	TryAcquire(table string, rec LeaseRecord) (prev *LeaseRecord, err error)
	// Release drops the lock and marks the record released.
	Release(table, token string) error
	// Abandon drops the lock but leaves the record unreleased, the same state a
	// crashed holder leaves behind.
	Abandon(table, token string) error
	Close() error
}

// Applier applies mutations for the coordinator. Apply runs on the table's
// applier goroutine, one mutation at a time. Recover runs before a reclaimed
// lease is handed out.
type Applier interface {
	Apply(ctx context.Context, m types.Mutation) (types.MutationResult, error)
	Recover(table string) error
}

type TableState int

const (
	Unlocked TableState = iota
	Leased
	Applying
)

func (s TableState) String() string {
	switch s {
	case Leased:
		return "leased"
	case Applying:
		return "applying"
	default:
		return "unlocked"
	}
}

// WriteLease is the exclusive right of one writer to mutate one table.
// Goroutines sharing a lease have their writes applied in submission order.
type WriteLease struct {
	Table      string
	Writer     string
	Token      string
	AcquiredAt time.Time
	Reclaimed  bool // the previous holder never released; recovery ran first

	expiresAt atomic.Int64 // unix nanos, pushed forward by every write
	revoked   atomic.Bool
}

func (l *WriteLease) ExpiresAt() time.Time { return time.Unix(0, l.expiresAt.Load()) }

func (l *WriteLease) expired(now time.Time) bool {
	return l.revoked.Load() || now.UnixNano() > l.expiresAt.Load()
}

// Options for NewCoordinator.
type Options struct {
	TTL            time.Duration // lease lifetime without writes
	DefaultTimeout time.Duration // AcquireLease wait when the caller passes 0
	PollInterval   time.Duration // retry interval while another process holds the lock
	QueueSize      int
	Logger         *slog.Logger
}

// request states
const (
	reqPending int32 = iota
	reqApplying
	reqAborted
)

type request struct {
	ctx   context.Context
	lease *WriteLease
	m     types.Mutation
	state atomic.Int32
	done  chan result
}

type result struct {
	res types.MutationResult
	err error
}

type tableState struct {
	name     string
	lease    *WriteLease
	applying atomic.Bool
	queue    chan *request
	changed  chan struct{} // closed and replaced whenever the lease is released
}

// Coordinator serializes writes per table. Tables are independent.
type Coordinator struct {
	provider LeaseProvider
	applier  Applier
	opts     Options
	tables   map[string]*tableState
	logger   *slog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.Mutex
}
