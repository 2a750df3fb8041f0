// Package cursor tracks each connection's provider history cursor and
// serialises ingestion runs per connection.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
)

// DefaultLeaseTTL bounds one ingestion run's hold on a connection.
const DefaultLeaseTTL = 2 * time.Minute

var (
	// ErrLocked is returned when another run holds the connection.
	ErrLocked = errors.New("connection is locked by another ingestion run")
	// ErrLeaseLost is returned when the lease expired and was taken over.
	ErrLeaseLost = errors.New("ingestion lease lost")
)

// Cursor is an opaque provider watermark. The empty Cursor means none.
type Cursor string

// Store is the connection persistence the tracker needs.
type Store interface {
	Get(ctx context.Context, ref connection.Ref) (*connection.Connection, error)
	AcquireLease(ctx context.Context, ref connection.Ref, name connection.LeaseName, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, ref connection.Ref, name connection.LeaseName, owner string) error
	AdvanceCursor(ctx context.Context, ref connection.Ref, owner, cursor string) error
}

// Tracker reads and advances cursors under a per-connection lock. The lock
// is a DynamoDB lease, backed by an in-process keyed mutex so runs in one
// process queue instead of failing on each other's lease.
type Tracker struct {
	store    Store
	ttl      time.Duration
	newOwner func() string

	mu    sync.Mutex
	slots map[connection.Ref]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewTracker creates a Tracker. A non-positive ttl selects DefaultLeaseTTL.
func NewTracker(store Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Tracker{
		store:    store,
		ttl:      ttl,
		newOwner: uuid.NewString,
		slots:    make(map[connection.Ref]*slot),
	}
}

// Lease is a held per-connection ingestion lock.
type Lease struct {
	tracker  *Tracker
	ref      connection.Ref
	owner    string
	once     sync.Once
	released bool
}

// Ref returns the locked connection.
func (l *Lease) Ref() connection.Ref {
	return l.ref
}

// Lock acquires the ingestion lock for ref. It waits for other runs in this
// process and fails with ErrLocked if another process holds the lease.
func (t *Tracker) Lock(ctx context.Context, ref connection.Ref) (*Lease, error) {
	s := t.enter(ref)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		t.leave(ref)
		return nil, ctx.Err()
	}

	owner := t.newOwner()
	if err := t.store.AcquireLease(ctx, ref, connection.LeaseIngest, owner, t.ttl); err != nil {
		<-s.ch
		t.leave(ref)
		if errors.Is(err, connection.ErrLeaseHeld) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &Lease{tracker: t, ref: ref, owner: owner}, nil
}

// Current returns the stored cursor; ok is false before the first baseline.
func (t *Tracker) Current(ctx context.Context, ref connection.Ref) (Cursor, bool, error) {
	conn, err := t.store.Get(ctx, ref)
	if err != nil {
		return "", false, fmt.Errorf("read cursor: %w", err)
	}
	return Cursor(conn.Cursor), conn.Cursor != "", nil
}

// Advance stores c, provided the lease is still held.
func (t *Tracker) Advance(ctx context.Context, l *Lease, c Cursor) error {
	if l == nil || l.tracker != t || l.released {
		return ErrLeaseLost
	}
	if c == "" {
		return errors.New("advance to empty cursor")
	}
	if err := t.store.AdvanceCursor(ctx, l.ref, l.owner, string(c)); err != nil {
		if errors.Is(err, connection.ErrLeaseLost) {
			return ErrLeaseLost
		}
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// Release drops the lock. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.released = true
		err = l.tracker.store.ReleaseLease(context.WithoutCancel(ctx), l.ref, connection.LeaseIngest, l.owner)
		t := l.tracker
		t.mu.Lock()
		s := t.slots[l.ref]
		t.mu.Unlock()
		<-s.ch
		t.leave(l.ref)
	})
	return err
}

func (t *Tracker) enter(ref connection.Ref) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[ref]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		t.slots[ref] = s
	}
	s.refs++
	return s
}

func (t *Tracker) leave(ref connection.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[ref]
	s.refs--
	if s.refs == 0 {
		delete(t.slots, ref)
	}
}
