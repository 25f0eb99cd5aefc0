// Package memory provides an in-memory Store implementation, used in tests
// and single-process development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/fanverse/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu   sync.Mutex
	data *state
}

// state holds all record maps. Values are stored by value so callers never
// alias internal state.
type state struct {
	broadcasts    map[string]store.Broadcast
	registrations map[string]store.Registration
	pending       map[int64]store.PendingMessage
	cleanups      map[string]store.CleanupOperation
	nextPendingId int64
}

func newState() *state {
	return &state{
		broadcasts:    make(map[string]store.Broadcast),
		registrations: make(map[string]store.Registration),
		pending:       make(map[int64]store.PendingMessage),
		cleanups:      make(map[string]store.CleanupOperation),
	}
}

func (st *state) clone() *state {
	c := &state{
		broadcasts:    make(map[string]store.Broadcast, len(st.broadcasts)),
		registrations: make(map[string]store.Registration, len(st.registrations)),
		pending:       make(map[int64]store.PendingMessage, len(st.pending)),
		cleanups:      make(map[string]store.CleanupOperation, len(st.cleanups)),
		nextPendingId: st.nextPendingId,
	}
	for k, v := range st.broadcasts {
		c.broadcasts[k] = v
	}
	for k, v := range st.registrations {
		c.registrations[k] = v
	}
	for k, v := range st.pending {
		c.pending[k] = v
	}
	for k, v := range st.cleanups {
		c.cleanups[k] = v
	}
	return c
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: newState()}
}

func (s *Store) Broadcasts() store.BroadcastStore           { return broadcasts{s} }
func (s *Store) Registrations() store.RegistrationStore     { return registrations{s} }
func (s *Store) PendingMessages() store.PendingMessageStore { return pendings{s} }
func (s *Store) Cleanups() store.CleanupStore               { return cleanups{s} }

// WithTx runs fn under the store lock; if fn returns an error, every change
// it made is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&txStore{s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Close releases nothing for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// txStore exposes the same operations without locking; it only lives inside
// WithTx, which already holds the store lock.
type txStore struct {
	data *state
}

func (t *txStore) Broadcasts() store.BroadcastStore           { return txBroadcasts{t.data} }
func (t *txStore) Registrations() store.RegistrationStore     { return txRegistrations{t.data} }
func (t *txStore) PendingMessages() store.PendingMessageStore { return txPendings{t.data} }
func (t *txStore) Cleanups() store.CleanupStore               { return txCleanups{t.data} }

// WithTx on a transaction joins the enclosing transaction.
func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *txStore) Close() error { return nil }

// ----- broadcasts -----

func (st *state) broadcastInsert(b *store.Broadcast) error {
	if b.Id == "" {
		return fmt.Errorf("broadcast id cannot be empty")
	}
	if _, exists := st.broadcasts[b.Id]; exists {
		return fmt.Errorf("broadcast already exists: %s", b.Id)
	}
	st.broadcasts[b.Id] = *b
	return nil
}

func (st *state) broadcastGet(id string) (*store.Broadcast, error) {
	b, ok := st.broadcasts[id]
	if !ok {
		return nil, fmt.Errorf("broadcast %s: %w", id, store.ErrNotFound)
	}
	copied := b
	return &copied, nil
}

func (st *state) broadcastUpdateStatus(id string, status store.BroadcastStatus, errMsg string) error {
	b, ok := st.broadcasts[id]
	if !ok {
		return fmt.Errorf("broadcast %s: %w", id, store.ErrNotFound)
	}
	if b.Status.Terminal() {
		return fmt.Errorf("broadcast %s: cannot transition from terminal status %s to %s", id, b.Status, status)
	}
	if b.Status == status {
		return nil
	}
	if status == store.BroadcastPending {
		return fmt.Errorf("broadcast %s: cannot transition back to pending", id)
	}
	b.Status = status
	if status == store.BroadcastProcessing {
		now := time.Now()
		b.StartedAt = &now
	}
	if errMsg != "" {
		b.Error = errMsg
	}
	st.broadcasts[id] = b
	return nil
}

func (st *state) broadcastSetTotal(id string, total int64) error {
	b, ok := st.broadcasts[id]
	if !ok {
		return fmt.Errorf("broadcast %s: %w", id, store.ErrNotFound)
	}
	b.Total = total
	st.broadcasts[id] = b
	return nil
}

func (st *state) broadcastAddDelivered(id string, delta int64, at time.Time) (*store.Broadcast, error) {
	b, ok := st.broadcasts[id]
	if !ok {
		return nil, fmt.Errorf("broadcast %s: %w", id, store.ErrNotFound)
	}
	b.Delivered += delta
	b.LastDelivery = &at
	st.broadcasts[id] = b
	copied := b
	return &copied, nil
}

func (st *state) broadcastMarkCompleted(id string, at time.Time) error {
	b, ok := st.broadcasts[id]
	if !ok {
		return fmt.Errorf("broadcast %s: %w", id, store.ErrNotFound)
	}
	if b.Status.Terminal() {
		return nil
	}
	b.Status = store.BroadcastCompleted
	b.CompletedAt = &at
	st.broadcasts[id] = b
	return nil
}

type broadcasts struct{ s *Store }

func (b broadcasts) Insert(ctx context.Context, rec *store.Broadcast) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.data.broadcastInsert(rec)
}

func (b broadcasts) Get(ctx context.Context, id string) (*store.Broadcast, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.data.broadcastGet(id)
}

func (b broadcasts) UpdateStatus(ctx context.Context, id string, status store.BroadcastStatus, errMsg string) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.data.broadcastUpdateStatus(id, status, errMsg)
}

func (b broadcasts) SetTotal(ctx context.Context, id string, total int64) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.data.broadcastSetTotal(id, total)
}

func (b broadcasts) AddDelivered(ctx context.Context, id string, delta int64, at time.Time) (*store.Broadcast, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.data.broadcastAddDelivered(id, delta, at)
}

func (b broadcasts) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.data.broadcastMarkCompleted(id, at)
}

type txBroadcasts struct{ st *state }

func (b txBroadcasts) Insert(ctx context.Context, rec *store.Broadcast) error {
	return b.st.broadcastInsert(rec)
}
func (b txBroadcasts) Get(ctx context.Context, id string) (*store.Broadcast, error) {
	return b.st.broadcastGet(id)
}
func (b txBroadcasts) UpdateStatus(ctx context.Context, id string, status store.BroadcastStatus, errMsg string) error {
	return b.st.broadcastUpdateStatus(id, status, errMsg)
}
func (b txBroadcasts) SetTotal(ctx context.Context, id string, total int64) error {
	return b.st.broadcastSetTotal(id, total)
}
func (b txBroadcasts) AddDelivered(ctx context.Context, id string, delta int64, at time.Time) (*store.Broadcast, error) {
	return b.st.broadcastAddDelivered(id, delta, at)
}
func (b txBroadcasts) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return b.st.broadcastMarkCompleted(id, at)
}

// ----- registrations -----

func (st *state) registrationUpsert(r *store.Registration) error {
	if r.UserId == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	st.registrations[r.UserId] = *r
	return nil
}

func (st *state) registrationGet(userId string) (*store.Registration, error) {
	r, ok := st.registrations[userId]
	if !ok {
		return nil, fmt.Errorf("registration %s: %w", userId, store.ErrNotFound)
	}
	copied := r
	return &copied, nil
}

func (st *state) registrationSetActive(userId string, active bool, at time.Time) error {
	r, ok := st.registrations[userId]
	if !ok {
		return fmt.Errorf("registration %s: %w", userId, store.ErrNotFound)
	}
	r.Active = active
	r.UpdatedAt = at
	st.registrations[userId] = r
	return nil
}

func (st *state) registrationDelete(userId string) error {
	if _, ok := st.registrations[userId]; !ok {
		return fmt.Errorf("registration %s: %w", userId, store.ErrNotFound)
	}
	delete(st.registrations, userId)
	return nil
}

func (st *state) registrationCountActive() int64 {
	var n int64
	for _, r := range st.registrations {
		if r.Active {
			n++
		}
	}
	return n
}

type registrations struct{ s *Store }

func (r registrations) Upsert(ctx context.Context, rec *store.Registration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.data.registrationUpsert(rec)
}

func (r registrations) Get(ctx context.Context, userId string) (*store.Registration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.data.registrationGet(userId)
}

func (r registrations) SetActive(ctx context.Context, userId string, active bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.data.registrationSetActive(userId, active, at)
}

func (r registrations) Delete(ctx context.Context, userId string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.data.registrationDelete(userId)
}

func (r registrations) CountActive(ctx context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.data.registrationCountActive(), nil
}

type txRegistrations struct{ st *state }

func (r txRegistrations) Upsert(ctx context.Context, rec *store.Registration) error {
	return r.st.registrationUpsert(rec)
}
func (r txRegistrations) Get(ctx context.Context, userId string) (*store.Registration, error) {
	return r.st.registrationGet(userId)
}
func (r txRegistrations) SetActive(ctx context.Context, userId string, active bool, at time.Time) error {
	return r.st.registrationSetActive(userId, active, at)
}
func (r txRegistrations) Delete(ctx context.Context, userId string) error {
	return r.st.registrationDelete(userId)
}
func (r txRegistrations) CountActive(ctx context.Context) (int64, error) {
	return r.st.registrationCountActive(), nil
}

// ----- pending messages -----

func (st *state) pendingInsert(m *store.PendingMessage) (int64, error) {
	if m.UserId == "" {
		return 0, fmt.Errorf("user id cannot be empty")
	}
	st.nextPendingId++
	rec := *m
	rec.Id = st.nextPendingId
	st.pending[rec.Id] = rec
	return rec.Id, nil
}

func (st *state) pendingListForUser(userId string, now time.Time, limit int) []*store.PendingMessage {
	var result []*store.PendingMessage
	for _, m := range st.pending {
		if m.UserId != userId || m.ScheduledAt.After(now) {
			continue
		}
		if m.MaxAttempts > 0 && m.Attempts >= m.MaxAttempts {
			continue
		}
		copied := m
		result = append(result, &copied)
	}

	// priority rank descending, then scheduled time ascending
	sort.Slice(result, func(i, j int) bool {
		ri, rj := result[i].Priority.Rank(), result[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !result[i].ScheduledAt.Equal(result[j].ScheduledAt) {
			return result[i].ScheduledAt.Before(result[j].ScheduledAt)
		}
		return result[i].Id < result[j].Id
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (st *state) pendingDelete(id int64) error {
	if _, ok := st.pending[id]; !ok {
		return fmt.Errorf("pending message %d: %w", id, store.ErrNotFound)
	}
	delete(st.pending, id)
	return nil
}

func (st *state) pendingIncrementAttempts(id int64, scheduledAt time.Time) error {
	m, ok := st.pending[id]
	if !ok {
		return fmt.Errorf("pending message %d: %w", id, store.ErrNotFound)
	}
	m.Attempts++
	m.ScheduledAt = scheduledAt
	st.pending[id] = m
	return nil
}

func (st *state) pendingCountForUser(userId string) int64 {
	var n int64
	for _, m := range st.pending {
		if m.UserId == userId {
			n++
		}
	}
	return n
}

type pendings struct{ s *Store }

func (p pendings) Insert(ctx context.Context, m *store.PendingMessage) (int64, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.data.pendingInsert(m)
}

func (p pendings) ListForUser(ctx context.Context, userId string, now time.Time, limit int) ([]*store.PendingMessage, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.data.pendingListForUser(userId, now, limit), nil
}

func (p pendings) Delete(ctx context.Context, id int64) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.data.pendingDelete(id)
}

func (p pendings) IncrementAttempts(ctx context.Context, id int64, scheduledAt time.Time) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.data.pendingIncrementAttempts(id, scheduledAt)
}

func (p pendings) CountForUser(ctx context.Context, userId string) (int64, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.data.pendingCountForUser(userId), nil
}

type txPendings struct{ st *state }

func (p txPendings) Insert(ctx context.Context, m *store.PendingMessage) (int64, error) {
	return p.st.pendingInsert(m)
}
func (p txPendings) ListForUser(ctx context.Context, userId string, now time.Time, limit int) ([]*store.PendingMessage, error) {
	return p.st.pendingListForUser(userId, now, limit), nil
}
func (p txPendings) Delete(ctx context.Context, id int64) error {
	return p.st.pendingDelete(id)
}
func (p txPendings) IncrementAttempts(ctx context.Context, id int64, scheduledAt time.Time) error {
	return p.st.pendingIncrementAttempts(id, scheduledAt)
}
func (p txPendings) CountForUser(ctx context.Context, userId string) (int64, error) {
	return p.st.pendingCountForUser(userId), nil
}

// ----- cleanup operations -----

func (st *state) cleanupInsert(op *store.CleanupOperation) error {
	if op.Id == "" {
		return fmt.Errorf("cleanup operation id cannot be empty")
	}
	if _, exists := st.cleanups[op.Id]; exists {
		return fmt.Errorf("cleanup operation already exists: %s", op.Id)
	}
	st.cleanups[op.Id] = *op
	return nil
}

func (st *state) cleanupUpdate(op *store.CleanupOperation) error {
	if _, ok := st.cleanups[op.Id]; !ok {
		return fmt.Errorf("cleanup operation %s: %w", op.Id, store.ErrNotFound)
	}
	st.cleanups[op.Id] = *op
	return nil
}

func (st *state) cleanupGet(id string) (*store.CleanupOperation, error) {
	op, ok := st.cleanups[id]
	if !ok {
		return nil, fmt.Errorf("cleanup operation %s: %w", id, store.ErrNotFound)
	}
	copied := op
	return &copied, nil
}

type cleanups struct{ s *Store }

func (c cleanups) Insert(ctx context.Context, op *store.CleanupOperation) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.data.cleanupInsert(op)
}

func (c cleanups) Update(ctx context.Context, op *store.CleanupOperation) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.data.cleanupUpdate(op)
}

func (c cleanups) Get(ctx context.Context, id string) (*store.CleanupOperation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.data.cleanupGet(id)
}

type txCleanups struct{ st *state }

func (c txCleanups) Insert(ctx context.Context, op *store.CleanupOperation) error {
	return c.st.cleanupInsert(op)
}
func (c txCleanups) Update(ctx context.Context, op *store.CleanupOperation) error {
	return c.st.cleanupUpdate(op)
}
func (c txCleanups) Get(ctx context.Context, id string) (*store.CleanupOperation, error) {
	return c.st.cleanupGet(id)
}

var _ store.Store = (*Store)(nil)
var _ store.Store = (*txStore)(nil)
