// Package kioskclient is the kiosk browser's runtime: it keeps the device session
// alive until it expires, watches for sibling tabs, follows the kiosk's queue over
// the event bus and runs the post-submission countdown.
package kioskclient

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"kioskqueue/internal/clock"
	"kioskqueue/internal/devicesession"
	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

// State is what the kiosk screen shows
type State string

const (
	StateIdle       State = "idle"
	StateInvalid    State = "invalid"
	StateWaiting    State = "waiting"
	StateReflecting State = "reflecting"
	StateComplete   State = "complete"
)

// Sessions is the device-bound session surface the runner needs
type Sessions interface {
	ValidateSession(ctx context.Context, code string) *types.Validation
	Heartbeat(ctx context.Context, code string) bool
	Clear() error
}

// Queue is the queue surface the runner needs
type Queue interface {
	KioskQueue(ctx context.Context, kioskID int) ([]*types.BehaviorRequest, error)
	BeginReflection(ctx context.Context, kioskID int, sessionCode string) (*types.BehaviorRequest, error)
	SubmitReflection(ctx context.Context, requestID string, answers types.Answers) (*types.Reflection, error)
}

// Config holds the runner's timer intervals
type Config struct {
	HeartbeatInterval time.Duration
	TabPingInterval   time.Duration
	CountdownInterval time.Duration
	ResetAfter        time.Duration
}

// DefaultConfig returns the standard kiosk timings
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		TabPingInterval:   devicesession.TabPingInterval,
		CountdownInterval: time.Second,
		ResetAfter:        10 * time.Second,
	}
}

// Snapshot is a copy of the runner's view
type Snapshot struct {
	State            State
	KioskID          int
	SessionCode      string
	Current          *types.BehaviorRequest
	Queue            []*types.BehaviorRequest
	CountdownSeconds int
	SessionSeconds   int
	TabConflict      bool
}

// Runner drives one kiosk browser tab
type Runner struct {
	sessions Sessions
	queue    Queue
	bus      interfaces.EventBus
	tabs     *devicesession.TabMonitor
	clock    clock.Clock
	config   Config

	mu        sync.Mutex
	snap      Snapshot
	timers    map[string]*clock.Timer
	countdown *clock.Timer
	resetTmr  *clock.Timer
	sub       interfaces.Subscription
	cancel    context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

// NewRunner creates an idle runner
func NewRunner(sessions Sessions, queue Queue, bus interfaces.EventBus, tabs *devicesession.TabMonitor, clk clock.Clock, config Config) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	return &Runner{
		sessions: sessions,
		queue:    queue,
		bus:      bus,
		tabs:     tabs,
		clock:    clk,
		config:   config,
		snap:     Snapshot{State: StateIdle},
	}
}

// Start validates the session code and begins the heartbeat, tab ping and queue
// subscription. An invalid session leaves the runner in StateInvalid.
func (r *Runner) Start(ctx context.Context, code string) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.mu.Unlock()

	code = types.NormalizeSessionCode(code)
	v := r.sessions.ValidateSession(ctx, code)
	if !v.IsValid {
		r.mu.Lock()
		r.snap = Snapshot{State: StateInvalid, SessionCode: code}
		r.mu.Unlock()
		return types.ErrSessionExpired
	}
	if v.FingerprintMismatch {
		log.Printf("Kiosk session adopted new device fingerprint: code=%s kiosk=%d", code, v.KioskID)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.running = true
	r.cancel = cancel
	r.snap = Snapshot{
		State:          StateWaiting,
		KioskID:        v.KioskID,
		SessionCode:    code,
		SessionSeconds: v.RemainingSeconds,
	}
	r.startTimers()
	if r.bus != nil {
		r.sub = r.bus.Subscribe(types.TableBehaviorRequests, types.TableKiosks)
	}
	sub := r.sub
	r.mu.Unlock()

	r.pingTab()
	if sub != nil {
		r.wg.Add(1)
		go r.follow(loopCtx, sub)
	}

	if err := r.Refresh(ctx); err != nil {
		log.Printf("Warning: initial queue fetch failed: kiosk=%d err=%v", v.KioskID, err)
	}
	log.Printf("Kiosk runner started: kiosk=%d code=%s", v.KioskID, code)
	return nil
}

// startTimers arms the timers that run while the session is valid. Must be
// called with r.mu held.
func (r *Runner) startTimers() {
	r.timers = make(map[string]*clock.Timer)
	r.every("heartbeat", r.config.HeartbeatInterval, r.heartbeat)
	r.every("tab_ping", r.config.TabPingInterval, r.pingTab)
	r.every("session", time.Second, r.tickSession)
}

// stopTimers cancels the session timers and the completion countdown. Must be
// called with r.mu held.
func (r *Runner) stopTimers() {
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdown = nil
	}
	if r.resetTmr != nil {
		r.resetTmr.Stop()
		r.resetTmr = nil
	}
}

// every runs f every d until the runner stops or the session ends. Must be
// called with r.mu held.
func (r *Runner) every(name string, d time.Duration, f func()) {
	r.timers[name] = r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		armed := r.running && r.timers != nil
		r.mu.Unlock()
		if !armed {
			return
		}
		f()
		r.mu.Lock()
		if r.running && r.timers != nil {
			r.every(name, d, f)
		}
		r.mu.Unlock()
	})
}

// tickSession counts the session down once per second; at zero the session is over
func (r *Runner) tickSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.SessionSeconds > 0 {
		r.snap.SessionSeconds--
	}
	if r.snap.SessionSeconds == 0 {
		log.Printf("Kiosk session expired: kiosk=%d code=%s", r.snap.KioskID, r.snap.SessionCode)
		r.invalidate()
	}
}

// invalidate shows the invalid-session screen and stops every timer. The
// subscription stays open so a kiosk reactivation can revive the session. Must
// be called with r.mu held.
func (r *Runner) invalidate() {
	r.stopTimers()
	r.snap.State = StateInvalid
	r.snap.Current = nil
	r.snap.Queue = nil
	r.snap.CountdownSeconds = 0
	r.snap.SessionSeconds = 0
}

// revalidate re-checks the session after a kiosk change. A session that became
// invalid is shut down; one that became valid again resumes.
func (r *Runner) revalidate(ctx context.Context) {
	r.mu.Lock()
	code := r.snap.SessionCode
	r.mu.Unlock()

	v := r.sessions.ValidateSession(ctx, code)

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	if !v.IsValid || v.RemainingSeconds <= 0 {
		if r.snap.State != StateInvalid {
			log.Printf("Kiosk session no longer valid: kiosk=%d code=%s", r.snap.KioskID, code)
			r.invalidate()
		}
		r.mu.Unlock()
		return
	}
	r.snap.SessionSeconds = v.RemainingSeconds
	resumed := r.snap.State == StateInvalid
	if resumed {
		r.snap.State = StateWaiting
		r.snap.KioskID = v.KioskID
		r.startTimers()
	}
	r.mu.Unlock()

	if resumed {
		log.Printf("Kiosk session valid again: kiosk=%d code=%s", v.KioskID, code)
	}
}

func (r *Runner) heartbeat() {
	r.mu.Lock()
	code := r.snap.SessionCode
	r.mu.Unlock()

	if !r.sessions.Heartbeat(context.Background(), code) {
		log.Printf("Warning: kiosk heartbeat not recorded: code=%s", code)
	}
}

func (r *Runner) pingTab() {
	if r.tabs == nil {
		return
	}
	if err := r.tabs.Ping(); err != nil {
		log.Printf("Warning: tab ping failed: tab=%s err=%v", r.tabs.ID(), err)
	}
	conflict := r.tabs.CheckConflict()

	r.mu.Lock()
	r.snap.TabConflict = conflict
	r.mu.Unlock()
}

// follow refreshes on queue and kiosk events. While the completion screen is up
// events are ignored; the reset timer decides when the screen changes.
func (r *Runner) follow(ctx context.Context, sub interfaces.Subscription) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				// The hub dropped us; re-subscribe and re-fetch
				if !r.resubscribe(ctx) {
					return
				}
				r.mu.Lock()
				sub = r.sub
				r.mu.Unlock()
				if err := r.Refresh(ctx); err != nil {
					log.Printf("Warning: queue refresh failed after resubscribe: err=%v", err)
				}
				continue
			}
			if event.Table == types.TableKiosks {
				r.revalidate(ctx)
			}
			if r.State() == StateComplete {
				continue
			}
			if err := r.Refresh(ctx); err != nil {
				log.Printf("Warning: queue refresh failed: err=%v", err)
			}
		}
	}
}

func (r *Runner) resubscribe(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	r.sub = r.bus.Subscribe(types.TableBehaviorRequests, types.TableKiosks)
	return true
}

// Refresh re-reads the kiosk's queue. The completion screen is left alone.
func (r *Runner) Refresh(ctx context.Context) error {
	r.mu.Lock()
	kioskID := r.snap.KioskID
	state := r.snap.State
	r.mu.Unlock()

	if state == StateIdle || state == StateInvalid {
		return nil
	}

	requests, err := r.queue.KioskQueue(ctx, kioskID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State == StateComplete || r.snap.State == StateInvalid {
		return nil
	}

	r.snap.Queue = requests
	r.snap.Current = nil
	r.snap.State = StateWaiting
	if len(requests) > 0 && requests[0].Status == types.StatusActive {
		r.snap.Current = requests[0]
		r.snap.State = StateReflecting
	}
	return nil
}

// Begin claims the student at position 1
func (r *Runner) Begin(ctx context.Context) (*types.BehaviorRequest, error) {
	r.mu.Lock()
	kioskID, code, state := r.snap.KioskID, r.snap.SessionCode, r.snap.State
	r.mu.Unlock()

	if state != StateWaiting {
		return nil, ErrWrongState
	}

	req, err := r.queue.BeginReflection(ctx, kioskID, code)
	if err != nil {
		if errors.Is(err, types.ErrSessionInvalid) {
			r.mu.Lock()
			if r.running {
				r.invalidate()
			} else {
				r.snap.State = StateInvalid
			}
			r.mu.Unlock()
		}
		return nil, err
	}

	r.mu.Lock()
	r.snap.Current = req
	r.snap.State = StateReflecting
	r.mu.Unlock()
	return req, nil
}

// Submit applies the answer length gate, submits, and starts the countdown to the
// automatic reset
func (r *Runner) Submit(ctx context.Context, answers types.Answers) (*types.Reflection, error) {
	r.mu.Lock()
	current, state := r.snap.Current, r.snap.State
	r.mu.Unlock()

	if state != StateReflecting || current == nil {
		return nil, ErrWrongState
	}
	if err := types.ValidateAnswers(answers); err != nil {
		return nil, err
	}

	reflection, err := r.queue.SubmitReflection(ctx, current.ID, answers)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State != StateReflecting {
		return reflection, nil
	}
	r.snap.State = StateComplete
	r.snap.CountdownSeconds = int(r.config.ResetAfter / time.Second)
	r.scheduleCountdown()
	r.resetTmr = r.clock.AfterFunc(r.config.ResetAfter, r.reset)
	return reflection, nil
}

// scheduleCountdown must be called with r.mu held
func (r *Runner) scheduleCountdown() {
	r.countdown = r.clock.AfterFunc(r.config.CountdownInterval, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.snap.State != StateComplete {
			return
		}
		if r.snap.CountdownSeconds > 0 {
			r.snap.CountdownSeconds--
		}
		if r.snap.CountdownSeconds > 0 {
			r.scheduleCountdown()
		}
	})
}

// reset leaves the completion screen and re-reads the queue
func (r *Runner) reset() {
	r.mu.Lock()
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdown = nil
	}
	r.resetTmr = nil
	if r.snap.State != StateComplete {
		r.mu.Unlock()
		return
	}
	running := r.running
	r.snap.State = StateWaiting
	r.snap.Current = nil
	r.snap.CountdownSeconds = 0
	r.mu.Unlock()

	if !running {
		return
	}
	if err := r.Refresh(context.Background()); err != nil {
		log.Printf("Warning: queue refresh failed after reset: err=%v", err)
	}
}

// Snapshot returns a copy of the current view
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	s.Queue = append([]*types.BehaviorRequest(nil), r.snap.Queue...)
	return s
}

// State returns the current screen state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.State
}

// Stop halts every timer and the subscription and removes this tab's registration
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.stopTimers()
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if r.tabs != nil {
		if err := r.tabs.Clear(); err != nil {
			log.Printf("Warning: failed to clear tab registration: err=%v", err)
		}
	}
	log.Println("Kiosk runner stopped")
}

// ClearSession stops the runner and forgets the local session
func (r *Runner) ClearSession() error {
	r.Stop()

	r.mu.Lock()
	r.snap = Snapshot{State: StateIdle}
	r.mu.Unlock()

	return r.sessions.Clear()
}
