package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwind/echowire/internal/reminder"
)

type memStore struct {
	mu        sync.Mutex
	reminders map[uuid.UUID]*reminder.Reminder
}

func newMemStore() *memStore {
	return &memStore{reminders: make(map[uuid.UUID]*reminder.Reminder)}
}

func (m *memStore) Create(_ context.Context, r *reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reminders[r.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) List(context.Context, uuid.UUID, reminder.Period, reminder.Status) ([]*reminder.Reminder, error) {
	return nil, nil
}

func (m *memStore) ListDue(_ context.Context, before time.Time) ([]*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*reminder.Reminder
	for _, r := range m.reminders {
		if r.Status == reminder.StatusPending && !r.RemindAt.After(before) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status reminder.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return reminder.ErrNotFound
	}
	return r.Transition(status, time.Now().UTC())
}

func (m *memStore) IncrementRetry(_ context.Context, id uuid.UUID, nextAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return reminder.ErrNotFound
	}
	r.RetryCount++
	r.RemindAt = nextAttempt
	return nil
}

func (m *memStore) Delete(context.Context, []uuid.UUID) (int, error) { return 0, nil }

func (m *memStore) status(id uuid.UUID) reminder.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reminders[id].Status
}

func (m *memStore) retries(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reminders[id].RetryCount
}

type fakeSessions struct {
	mu        sync.Mutex
	live      map[string]bool
	delivered []Notification
	ch        chan Notification
}

func newFakeSessions(liveMACs ...string) *fakeSessions {
	f := &fakeSessions{live: make(map[string]bool), ch: make(chan Notification, 8)}
	for _, mac := range liveMACs {
		f.live[mac] = true
	}
	return f
}

func (f *fakeSessions) Deliver(mac string, n Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[mac] {
		return false
	}
	f.delivered = append(f.delivered, n)
	f.ch <- n
	return true
}

type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	published []string
}

func (f *fakeBroker) Publish(mac string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, mac)
	return nil
}

func (f *fakeBroker) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func pendingReminder(mac string, at time.Time) *reminder.Reminder {
	now := time.Now().UTC()
	return &reminder.Reminder{
		ID:         uuid.New(),
		DeviceUUID: uuid.New(),
		DeviceMAC:  mac,
		Title:      "Drink",
		Content:    "Water time",
		RemindAt:   at,
		Status:     reminder.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestLiveSessionDelivery(t *testing.T) {
	store := newMemStore()
	sessions := newFakeSessions("AA:BB:CC:DD:EE:FF")
	s := New(store, sessions, nil)

	r := pendingReminder("AA:BB:CC:DD:EE:FF", time.Now().UTC().Add(time.Millisecond))
	require.NoError(t, store.Create(context.Background(), r))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	s.Enqueue(r)

	select {
	case n := <-sessions.ch:
		assert.Equal(t, "Water time", n.Content)
		assert.False(t, n.UseLLM)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("reminder not delivered within 200ms")
	}

	assert.Eventually(t, func() bool {
		return store.status(r.ID) == reminder.StatusDelivered
	}, time.Second, 10*time.Millisecond)
}

func TestBrokerFallback(t *testing.T) {
	store := newMemStore()
	sessions := newFakeSessions() // device offline
	broker := &fakeBroker{connected: true}
	s := New(store, sessions, broker)

	r := pendingReminder("AA:BB:CC:DD:EE:FF", time.Now().UTC().Add(time.Millisecond))
	require.NoError(t, store.Create(context.Background(), r))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	s.Enqueue(r)

	assert.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return len(broker.published) == 1 && broker.published[0] == "AA:BB:CC:DD:EE:FF"
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return store.status(r.ID) == reminder.StatusDelivered
	}, time.Second, 10*time.Millisecond)
}

func TestRescheduleWhenUndeliverable(t *testing.T) {
	store := newMemStore()
	s := New(store, newFakeSessions(), &fakeBroker{connected: false})

	r := pendingReminder("AA:BB:CC:DD:EE:FF", time.Now().UTC())
	require.NoError(t, store.Create(context.Background(), r))

	s.fire(context.Background(), &job{publicID: r.ID.String(), at: r.RemindAt, rem: r})

	assert.Equal(t, reminder.StatusPending, store.status(r.ID))
	assert.Equal(t, 1, store.retries(r.ID))
}

func TestRetryBudgetExhaustedFails(t *testing.T) {
	store := newMemStore()
	s := New(store, newFakeSessions(), nil)

	r := pendingReminder("AA:BB:CC:DD:EE:FF", time.Now().UTC())
	r.RetryCount = maxRetries
	require.NoError(t, store.Create(context.Background(), r))

	s.fire(context.Background(), &job{publicID: r.ID.String(), at: r.RemindAt, rem: r})

	assert.Equal(t, reminder.StatusFailed, store.status(r.ID))
}

func TestPushRoutesLikeReminders(t *testing.T) {
	sessions := newFakeSessions("AA:BB:CC:DD:EE:FF")
	s := New(newMemStore(), sessions, nil)

	err := s.Push("AA:BB:CC:DD:EE:FF", Notification{UseLLM: true, Title: "t", Content: "c"})
	require.NoError(t, err)
	require.Len(t, sessions.delivered, 1)
	assert.True(t, sessions.delivered[0].UseLLM)

	err = s.Push("11:22:33:44:55:66", Notification{Content: "x"})
	assert.ErrorIs(t, err, ErrUndeliverable)
}
