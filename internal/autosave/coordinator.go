// Package autosave debounces edits of a review form into persistence calls.
//
// At most one timer is live and at most one save is in flight per
// coordinator, so saves leave in edit order.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"creditauth/api/internal/workflow"
)

const (
	ReviewFormDelay      = 3 * time.Second
	ApplicationFormDelay = 5 * time.Second
)

var ErrClosed = errors.New("autosave: coordinator closed")

// ErrNotReady is returned by a Persister, usually wrapped, when the form
// cannot be saved yet. The edits stay pending and no error state is recorded.
var ErrNotReady = errors.New("autosave: form not ready to save")

type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// Persister writes full snapshots. CreateDraft is used while the coordinator
// has no request id yet and SaveDraft afterwards; SaveDraft must reject a
// stale version with workflow.ErrConflict.
type Persister interface {
	CreateDraft(ctx context.Context, data workflow.AuthorizationData) (id string, version int64, err error)
	SaveDraft(ctx context.Context, id string, version int64, data workflow.AuthorizationData) (int64, error)
}

type Options struct {
	Delay  time.Duration
	Clock  Clock
	Logger zerolog.Logger
	// RequestID and Version identify an already persisted request.
	RequestID string
	Version   int64
	// Baseline is the persisted snapshot; edits equal to it are not saved.
	Baseline *workflow.AuthorizationData
	// OnSaved runs after every successful save, outside the lock.
	OnSaved func(id string, version int64, data workflow.AuthorizationData)
}

type State struct {
	Status    Status    `json:"status"`
	SavedAt   time.Time `json:"savedAt,omitempty"`
	LastError error     `json:"-"`
	Dirty     bool      `json:"dirty"`
	RequestID string    `json:"requestId,omitempty"`
	Version   int64     `json:"version"`
	Saves     int       `json:"saves"`
}

type Coordinator struct {
	persister Persister
	delay     time.Duration
	clock     Clock
	log       zerolog.Logger
	onSaved   func(string, int64, workflow.AuthorizationData)
	ctx       context.Context

	mu        sync.Mutex
	requestID string
	version   int64
	lastSaved string
	latest    *workflow.AuthorizationData
	latestKey string
	timer     Timer
	timerGen  uint64
	inFlight  bool
	again     bool
	idle      chan struct{}
	status    Status
	savedAt   time.Time
	lastErr   error
	saves     int
	closed    bool
}

// New builds a coordinator. Timer-triggered saves run with ctx, so cancelling
// it aborts them.
func New(ctx context.Context, persister Persister, opts Options) *Coordinator {
	if opts.Delay <= 0 {
		opts.Delay = ReviewFormDelay
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	c := &Coordinator{
		persister: persister,
		delay:     opts.Delay,
		clock:     opts.Clock,
		log:       opts.Logger,
		onSaved:   opts.OnSaved,
		ctx:       ctx,
		requestID: opts.RequestID,
		version:   opts.Version,
		status:    StatusIdle,
	}
	if opts.Baseline != nil {
		if key, err := opts.Baseline.Canonical(); err == nil {
			c.lastSaved = key
			c.latestKey = key
		}
	}
	return c
}

// ApplyEdit records the latest working copy and restarts the debounce timer
// when it differs from what was last saved.
func (c *Coordinator) ApplyEdit(data workflow.AuthorizationData) error {
	key, err := data.Canonical()
	if err != nil {
		return workflow.Validation("authorizationData", err.Error())
	}
	snapshot := data.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.latest = &snapshot
	c.latestKey = key
	if key == c.lastSaved {
		c.stopTimerLocked()
		return nil
	}
	c.scheduleLocked()
	return nil
}

// SaveNow cancels the pending timer and saves immediately. When a save is
// already in flight the latest data is saved as soon as it completes.
func (c *Coordinator) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopTimerLocked()
	c.mu.Unlock()
	return c.flush(ctx)
}

// Flush waits for any in-flight save and then persists unsaved edits. It
// returns the last save error, if the final attempt failed.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()

	for {
		c.mu.Lock()
		idle := c.idle
		dirty := c.dirtyLocked()
		c.mu.Unlock()

		if idle != nil {
			select {
			case <-idle:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !dirty {
			c.mu.Lock()
			err := c.lastErr
			c.mu.Unlock()
			return err
		}
		if err := c.flush(ctx); err != nil {
			return err
		}
	}
}

// Close flushes pending edits and rejects further ones.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.Flush(ctx)
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()
	return err
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Status:    c.status,
		SavedAt:   c.savedAt,
		LastError: c.lastErr,
		Dirty:     c.dirtyLocked(),
		RequestID: c.requestID,
		Version:   c.version,
		Saves:     c.saves,
	}
}

func (c *Coordinator) dirtyLocked() bool {
	return c.latest != nil && c.latestKey != c.lastSaved
}

func (c *Coordinator) scheduleLocked() {
	c.stopTimerLocked()
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.delay, func() { c.fire(gen) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	_ = c.flush(c.ctx)
}

// flush issues one save and keeps going while edits arrived during it. A
// create is only ever issued while no other save is in flight, which is what
// keeps a new request from being created twice.
func (c *Coordinator) flush(ctx context.Context) error {
	c.mu.Lock()
	for {
		if c.inFlight {
			c.again = true
			c.mu.Unlock()
			return nil
		}
		if !c.dirtyLocked() {
			c.mu.Unlock()
			return nil
		}
		data := c.latest.Clone()
		key := c.latestKey
		id, version := c.requestID, c.version
		c.inFlight = true
		c.again = false
		c.idle = make(chan struct{})
		c.status = StatusSaving
		c.mu.Unlock()

		var (
			newVersion int64
			err        error
		)
		if id == "" {
			id, newVersion, err = c.persister.CreateDraft(ctx, data)
		} else {
			newVersion, err = c.persister.SaveDraft(ctx, id, version, data)
		}

		c.mu.Lock()
		c.inFlight = false
		close(c.idle)
		c.idle = nil
		if errors.Is(err, ErrNotReady) {
			c.status = StatusIdle
			c.lastErr = nil
			c.log.Debug().Err(err).Msg("autosave postponed")
			if c.again {
				continue
			}
			c.mu.Unlock()
			return err
		}
		if err != nil {
			c.status = StatusError
			c.lastErr = err
			c.log.Warn().Err(err).Str("request_id", c.requestID).Msg("autosave failed")
			if c.again {
				continue
			}
			c.mu.Unlock()
			return err
		}

		c.requestID = id
		c.version = newVersion
		c.lastSaved = key
		c.status = StatusSaved
		c.savedAt = c.clock.Now()
		c.lastErr = nil
		c.saves++
		onSaved := c.onSaved
		if c.again {
			if onSaved != nil {
				c.mu.Unlock()
				onSaved(id, newVersion, data)
				c.mu.Lock()
			}
			continue
		}
		if c.dirtyLocked() && c.timer == nil && !c.closed {
			c.scheduleLocked()
		}
		c.mu.Unlock()
		if onSaved != nil {
			onSaved(id, newVersion, data)
		}
		return nil
	}
}
