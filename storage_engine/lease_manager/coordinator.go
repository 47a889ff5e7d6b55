package lease

import (
	"LineDB/logger"
	"LineDB/types"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

/*
Write Coordinator: the only path by which mutations reach a table.

Per table state machine:

	Unlocked ──AcquireLease──▶ Leased(writer) ──EnqueueWrite──▶ Applying ──▶ Leased
	   ▲                          │
	   └──── Release / TTL ───────┘

Cross-process exclusion comes from the LeaseProvider. Inside the process every
table has a FIFO queue drained by one applier goroutine, so writes apply one at a
time in submission order even when several goroutines share a lease.

A lease that saw no write for TTL is presumed dead and the next AcquireLease
revokes it. Revoking abandons the provider lock without releasing it, exactly
like a crash, so the next holder finds an unreleased record, marks its lease
Reclaimed and runs the applier's Recover hook before returning.

A write whose context ends while it is still queued is dropped and reported as
ErrAborted. Once applying has started the write runs to completion.
*/

const (
	defaultTTL          = 30 * time.Second
	defaultTimeout      = 5 * time.Second
	defaultPollInterval = 10 * time.Millisecond
	defaultQueueSize    = 1024
)

func NewCoordinator(provider LeaseProvider, applier Applier, opts Options) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Coordinator{
		provider: provider,
		applier:  applier,
		opts:     opts,
		tables:   make(map[string]*tableState),
		logger:   logger.Component(opts.Logger, "lease"),
		done:     make(chan struct{}),
	}
}

// stateLocked returns the state of table, starting its applier on first use.
func (c *Coordinator) stateLocked(table string) *tableState {
	st, ok := c.tables[table]
	if ok {
		return st
	}
	st = &tableState{
		name:    table,
		queue:   make(chan *request, c.opts.QueueSize),
		changed: make(chan struct{}),
	}
	c.tables[table] = st
	c.wg.Add(1)
	go c.runApplier(st)
	return st
}

func (c *Coordinator) notifyLocked(st *tableState) {
	close(st.changed)
	st.changed = make(chan struct{})
}

// AcquireLease waits up to timeout (0 = default) for the exclusive lease on
// table. An empty writer id gets a generated one.
func (c *Coordinator) AcquireLease(ctx context.Context, table, writer string, timeout time.Duration) (*WriteLease, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	if writer == "" {
		writer = "writer-" + uuid.NewString()
	}
	deadline := time.Now().Add(timeout)

	for {
		lease, wait, holder, err := c.tryAcquire(table, writer)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			if lease.Reclaimed {
				if err := c.runRecovery(lease); err != nil {
					return nil, err
				}
			}
			return lease, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.logger.Debug("lease wait timed out", "table", table, "writer", writer, "holder", holder)
			return nil, &types.LockError{Table: table, Holder: holder, Err: types.ErrLockTimeout}
		}
		timer := time.NewTimer(min(c.opts.PollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("AcquireLease: %w", ctx.Err())
		case <-c.done:
			timer.Stop()
			return nil, types.ErrClosed
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryAcquire makes one attempt. With no lease and no error, wait fires when
// the in-process holder releases.
func (c *Coordinator) tryAcquire(table, writer string) (*WriteLease, <-chan struct{}, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, "", types.ErrClosed
	}
	st := c.stateLocked(table)
	now := time.Now()

	if cur := st.lease; cur != nil {
		if !cur.expired(now) || st.applying.Load() {
			return nil, st.changed, cur.Writer, nil
		}
		c.logger.Warn("revoking expired lease", "table", table, "holder", cur.Writer, "expired_at", cur.ExpiresAt())
		cur.revoked.Store(true)
		st.lease = nil
		if err := c.provider.Abandon(table, cur.Token); err != nil {
			c.logger.Warn("abandoning expired lease failed", "table", table, "error", err)
		}
		c.notifyLocked(st)
	}

	rec := LeaseRecord{Table: table, Holder: writer, Token: uuid.NewString(), AcquiredAt: now}
	prev, err := c.provider.TryAcquire(table, rec)
	if err != nil {
		var lockErr *types.LockError
		if errors.As(err, &lockErr) && errors.Is(err, types.ErrLeaseConflict) {
			return nil, st.changed, lockErr.Holder, nil
		}
		return nil, nil, "", fmt.Errorf("AcquireLease: %w", err)
	}

	lease := &WriteLease{
		Table:      table,
		Writer:     writer,
		Token:      rec.Token,
		AcquiredAt: now,
		Reclaimed:  prev != nil,
	}
	lease.expiresAt.Store(now.Add(c.opts.TTL).UnixNano())
	st.lease = lease

	if prev != nil {
		c.logger.Warn("reclaimed lease of a holder that never released",
			"table", table, "writer", writer, "previous_holder", prev.Holder, "previous_acquired_at", prev.AcquiredAt)
		// recovery counts as applying so the lease cannot expire under it
		st.applying.Store(true)
	} else {
		c.logger.Debug("lease acquired", "table", table, "writer", writer)
	}
	return lease, nil, "", nil
}

func (c *Coordinator) runRecovery(lease *WriteLease) error {
	err := c.applier.Recover(lease.Table)

	c.mu.Lock()
	st := c.tables[lease.Table]
	st.applying.Store(false)
	lease.expiresAt.Store(time.Now().Add(c.opts.TTL).UnixNano())
	c.mu.Unlock()

	if err != nil {
		c.Release(lease)
		return fmt.Errorf("AcquireLease: recovery of %s failed: %w", lease.Table, err)
	}
	c.logger.Info("table recovered after lease reclaim", "table", lease.Table)
	return nil
}

// EnqueueWrite queues m under lease and waits for it to be applied.
func (c *Coordinator) EnqueueWrite(ctx context.Context, lease *WriteLease, m types.Mutation) (types.MutationResult, error) {
	if lease == nil {
		return types.MutationResult{}, fmt.Errorf("EnqueueWrite: nil lease")
	}
	if m.Table != "" && m.Table != lease.Table {
		return types.MutationResult{}, fmt.Errorf("EnqueueWrite: mutation for %s under lease of %s", m.Table, lease.Table)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.MutationResult{}, types.ErrClosed
	}
	st := c.tables[lease.Table]
	now := time.Now()
	if st == nil || st.lease != lease || lease.expired(now) {
		c.mu.Unlock()
		return types.MutationResult{}, &types.LockError{Table: lease.Table, Holder: lease.Writer, Err: types.ErrLeaseExpired}
	}
	lease.expiresAt.Store(now.Add(c.opts.TTL).UnixNano())
	c.mu.Unlock()

	m.Table = lease.Table
	m.WriterID = lease.Writer
	if m.Submitted.IsZero() {
		m.Submitted = now
	}
	req := &request{ctx: ctx, lease: lease, m: m, done: make(chan result, 1)}

	select {
	case st.queue <- req:
	case <-ctx.Done():
		return types.MutationResult{}, fmt.Errorf("EnqueueWrite: %w: %w", types.ErrAborted, ctx.Err())
	case <-c.done:
		return types.MutationResult{}, types.ErrClosed
	}

	select {
	case r := <-req.done:
		return r.res, r.err
	case <-ctx.Done():
		if req.state.CompareAndSwap(reqPending, reqAborted) {
			c.logger.Debug("write aborted before apply", "table", lease.Table, "key", m.Key)
			return types.MutationResult{}, fmt.Errorf("EnqueueWrite: %w: %w", types.ErrAborted, ctx.Err())
		}
	case <-c.done:
		if req.state.CompareAndSwap(reqPending, reqAborted) {
			return types.MutationResult{}, types.ErrClosed
		}
	}
	// already applying: it always completes
	r := <-req.done
	return r.res, r.err
}

func (c *Coordinator) runApplier(st *tableState) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-st.queue:
			c.applyOne(st, req)
		}
	}
}

func (c *Coordinator) applyOne(st *tableState, req *request) {
	if !req.state.CompareAndSwap(reqPending, reqApplying) {
		return
	}

	c.mu.Lock()
	valid := st.lease == req.lease && !req.lease.revoked.Load()
	if valid {
		st.applying.Store(true)
	}
	c.mu.Unlock()
	if !valid {
		req.done <- result{err: &types.LockError{Table: st.name, Holder: req.lease.Writer, Err: types.ErrLeaseExpired}}
		return
	}

	res, err := c.applier.Apply(context.WithoutCancel(req.ctx), req.m)

	c.mu.Lock()
	st.applying.Store(false)
	req.lease.expiresAt.Store(time.Now().Add(c.opts.TTL).UnixNano())
	c.mu.Unlock()

	req.done <- result{res: res, err: err}
}

// Release gives the lease back. Writes still queued under it fail with
// ErrLeaseExpired.
func (c *Coordinator) Release(lease *WriteLease) error {
	if lease == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.tables[lease.Table]
	if st == nil || st.lease != lease {
		return &types.LockError{Table: lease.Table, Holder: lease.Writer, Err: types.ErrLeaseExpired}
	}
	st.lease = nil
	lease.revoked.Store(true)
	err := c.provider.Release(lease.Table, lease.Token)
	c.notifyLocked(st)

	c.logger.Debug("lease released", "table", lease.Table, "writer", lease.Writer, "held", time.Since(lease.AcquiredAt))
	if err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return nil
}

// WithLease acquires the lease on table, runs fn and releases it.
func (c *Coordinator) WithLease(ctx context.Context, table, writer string, timeout time.Duration, fn func(*WriteLease) error) error {
	lease, err := c.AcquireLease(ctx, table, writer, timeout)
	if err != nil {
		return err
	}
	fnErr := fn(lease)
	relErr := c.Release(lease)
	if fnErr != nil {
		return fnErr
	}
	return relErr
}

// State reports where table is in the lease state machine.
func (c *Coordinator) State(table string) TableState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tables[table]
	switch {
	case !ok || st.lease == nil:
		if ok && st.applying.Load() {
			return Applying
		}
		return Unlocked
	case st.applying.Load():
		return Applying
	default:
		return Leased
	}
}

// Close stops the appliers after their current write and releases every lease.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	var errs []error
	for name, st := range c.tables {
		if st.lease != nil {
			errs = append(errs, c.provider.Release(name, st.lease.Token))
			st.lease.revoked.Store(true)
			st.lease = nil
		}
	}
	c.mu.Unlock()

	errs = append(errs, c.provider.Close())
	return errors.Join(errs...)
}
