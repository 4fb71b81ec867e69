// Package scheduler fires reminders at their due time and routes
// notifications: a live session gets the envelope on its WebSocket, an
// offline device gets an MQTT publish, and with no broker the job is
// rescheduled with backoff until the retry budget is spent.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/softwind/echowire/internal/reminder"
)

const (
	// maxRetries caps delivery attempts before a reminder fails.
	maxRetries = 5
	// retryBase is the first reschedule delay; it doubles per attempt.
	retryBase = 30 * time.Second
	// pollInterval re-reads the store for due reminders other instances
	// may have created.
	pollInterval = time.Minute
)

// Notification is the payload pushed to a device.
type Notification struct {
	UseLLM  bool   `json:"useLLM"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Sessions finds live device sessions. Deliver returns false when no
// session for the MAC exists.
type Sessions interface {
	Deliver(deviceMAC string, n Notification) bool
}

// Broker is the offline fallback (see internal/broker).
type Broker interface {
	Publish(deviceMAC string, payload any) error
	Connected() bool
}

type job struct {
	publicID string
	at       time.Time
	rem      *reminder.Reminder
}

// jobHeap orders by fire time, tie-broken by public id for determinism.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].publicID < h[j].publicID
	}
	return h[i].at.Before(h[j].at)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type Scheduler struct {
	store    reminder.Store
	sessions Sessions
	broker   Broker // nil when no broker is configured

	mu   sync.Mutex
	jobs jobHeap
	wake chan struct{}
}

func New(store reminder.Store, sessions Sessions, broker Broker) *Scheduler {
	return &Scheduler{
		store:    store,
		sessions: sessions,
		broker:   broker,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue schedules one reminder and wakes the run loop.
func (s *Scheduler) Enqueue(r *reminder.Reminder) {
	s.mu.Lock()
	heap.Push(&s.jobs, &job{publicID: r.ID.String(), at: r.RemindAt, rem: r})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the heap until the context ends. It loads overdue reminders
// at start and keeps polling so reminders created by other instances are
// picked up too.
func (s *Scheduler) Run(ctx context.Context) {
	s.loadDue(ctx)

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		s.fireDue(ctx)

		var timer *time.Timer
		var timerC <-chan time.Time
		if next, ok := s.peek(); ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		case <-poll.C:
			s.loadDue(ctx)
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return time.Time{}, false
	}
	return s.jobs[0].at, true
}

func (s *Scheduler) loadDue(ctx context.Context) {
	due, err := s.store.ListDue(ctx, time.Now().UTC().Add(pollInterval))
	if err != nil {
		slog.Error("scheduler: loading due reminders failed", "error", err)
		return
	}

	s.mu.Lock()
	queued := make(map[string]bool, len(s.jobs))
	for _, j := range s.jobs {
		queued[j.publicID] = true
	}
	for _, r := range due {
		if queued[r.ID.String()] {
			continue
		}
		heap.Push(&s.jobs, &job{publicID: r.ID.String(), at: r.RemindAt, rem: r})
	}
	s.mu.Unlock()
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now().UTC()
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 || s.jobs[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		j := heap.Pop(&s.jobs).(*job)
		s.mu.Unlock()

		s.fire(ctx, j)
	}
}

// fire attempts delivery of one reminder: live session, then broker, then
// backoff reschedule.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	r := j.rem
	n := Notification{Title: r.Title, Content: r.Content}

	if s.sessions != nil && s.sessions.Deliver(r.DeviceMAC, n) {
		slog.Info("scheduler: reminder delivered to live session", "id", r.ID, "device", r.DeviceMAC)
		s.markStatus(ctx, r, reminder.StatusDelivered)
		return
	}

	if s.broker != nil && s.broker.Connected() {
		payload := map[string]any{
			"type":    "notification",
			"useLLM":  n.UseLLM,
			"title":   n.Title,
			"content": n.Content,
		}
		if err := s.broker.Publish(r.DeviceMAC, payload); err == nil {
			slog.Info("scheduler: reminder published to broker", "id", r.ID, "device", r.DeviceMAC)
			s.markStatus(ctx, r, reminder.StatusDelivered)
			return
		} else {
			slog.Warn("scheduler: broker publish failed", "id", r.ID, "error", err)
		}
	}

	s.reschedule(ctx, j)
}

func (s *Scheduler) markStatus(ctx context.Context, r *reminder.Reminder, status reminder.Status) {
	if err := s.store.UpdateStatus(ctx, r.ID, status); err != nil {
		slog.Error("scheduler: status update failed", "id", r.ID, "status", status, "error", err)
	}
}

func (s *Scheduler) reschedule(ctx context.Context, j *job) {
	r := j.rem
	if r.RetryCount >= maxRetries {
		slog.Warn("scheduler: retry budget spent, failing reminder", "id", r.ID, "retries", r.RetryCount)
		s.markStatus(ctx, r, reminder.StatusFailed)
		return
	}

	delay := retryBase << r.RetryCount
	next := time.Now().UTC().Add(delay)
	if err := s.store.IncrementRetry(ctx, r.ID, next); err != nil {
		slog.Error("scheduler: retry persist failed", "id", r.ID, "error", err)
	}
	r.RetryCount++
	r.RemindAt = next

	slog.Info("scheduler: reminder rescheduled", "id", r.ID, "retry", r.RetryCount, "next", next)
	s.Enqueue(r)
}

// Push routes an ad-hoc notification (webhook or tool initiated) through
// the same delivery ladder, without reminder persistence.
func (s *Scheduler) Push(deviceMAC string, n Notification) error {
	if s.sessions != nil && s.sessions.Deliver(deviceMAC, n) {
		return nil
	}
	if s.broker != nil && s.broker.Connected() {
		payload := map[string]any{
			"type":    "notification",
			"useLLM":  n.UseLLM,
			"title":   n.Title,
			"content": n.Content,
		}
		return s.broker.Publish(deviceMAC, payload)
	}
	return ErrUndeliverable
}
