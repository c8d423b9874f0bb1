// Package realtime keeps the selected counter's view in sync with the
// queueing service's push channel.
//
// A Manager owns one event loop. Commands (select, refresh), transport frames
// and fetch results are all handled on that loop, so the selection, the live
// connection and the refresh bookkeeping are never touched concurrently. Fetches
// run on their own goroutines and report back to the loop; their results are
// published to the store under the selection token they were started with.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"qms/reception-service/internal/models"
	"qms/reception-service/internal/normalize"
	"qms/reception-service/internal/notify"
	"qms/reception-service/internal/store"
	"qms/reception-service/internal/upstream"

	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateJoined     State = "joined"
	StateDegraded   State = "degraded"
	StateTornDown   State = "torn_down"
)

var ErrNoCounter = errors.New("no counter selected")

const (
	leaveTimeout   = 2 * time.Second
	refreshMessage = "queue refreshed"
)

type Fetcher interface {
	FetchSnapshot(ctx context.Context, counterID string, options upstream.FetchOptions) (*models.CounterSnapshot, error)
}

type Options struct {
	Fetcher    Fetcher
	Dialer     Dialer
	Store      *store.Store
	Normalizer *normalize.Normalizer
	// Notifier receives the success message of explicit refreshes; failures
	// are reported by the Fetcher.
	Notifier notify.Notifier
	Logger   zerolog.Logger
}

type commandKind int

const (
	commandSelect commandKind = iota
	commandRefresh
)

type fetchKind int

const (
	// fetchInitial loads a new selection; failures are reported.
	fetchInitial fetchKind = iota
	// fetchSilent reconciles after push events or reconnects.
	fetchSilent
	// fetchRefresh is the receptionist's reload; success is reported too.
	fetchRefresh
)

type command struct {
	kind      commandKind
	counterID string
	reply     chan error
}

type fetchResult struct {
	token     uint64
	stamp     uint64
	counterID string
	kind      fetchKind
	snapshot  *models.CounterSnapshot
	err       error
}

type Manager struct {
	fetcher    Fetcher
	dialer     Dialer
	store      *store.Store
	normalizer *normalize.Normalizer
	notifier   notify.Notifier
	logger     zerolog.Logger

	commands chan command
	results  chan fetchResult
	done     chan struct{}
	runOnce  sync.Once

	stateMu sync.RWMutex
	state   State

	// Owned by the loop goroutine.
	runCtx         context.Context
	counterID      string
	token          uint64
	conn           Conn
	frames         <-chan Frame
	selectionCtx   context.Context
	cancelFetches  context.CancelFunc
	joined         bool
	refreshing     bool
	refreshPending bool
	// writeClock orders writes to the store: fetches take a stamp when they
	// start, pushes when they are applied. A fetch result older than
	// lastApplied would roll the view back and is dropped.
	writeClock  uint64
	lastApplied uint64
}

func NewManager(options Options) *Manager {
	normalizer := options.Normalizer
	if normalizer == nil {
		normalizer = normalize.New(normalize.Options{})
	}
	notifier := options.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		fetcher:    options.Fetcher,
		dialer:     options.Dialer,
		store:      options.Store,
		normalizer: normalizer,
		notifier:   notifier,
		logger:     options.Logger.With().Str("component", "subscription").Logger(),
		commands:   make(chan command),
		results:    make(chan fetchResult),
		done:       make(chan struct{}),
		state:      StateIdle,
	}
}

func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = state
	m.stateMu.Unlock()
	if prev != state {
		m.logger.Debug().Str("from", string(prev)).Str("to", string(state)).Str("counter_id", m.counterID).Msg("subscription state")
	}
}

// Run drives the loop until ctx is cancelled. Whatever ends the loop, the
// live connection gets a leave and is closed.
func (m *Manager) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("manager already running")
	}
	m.runCtx = ctx
	defer close(m.done)
	defer m.setState(StateTornDown)
	defer m.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-m.commands:
			cmd.reply <- m.handleCommand(cmd)
		case frame, ok := <-m.frames:
			if !ok {
				m.logger.Warn().Str("counter_id", m.counterID).Msg("realtime channel closed, continuing without push")
				m.conn, m.frames = nil, nil
				m.setState(StateDegraded)
				continue
			}
			m.handleFrame(frame)
		case result := <-m.results:
			m.handleResult(result)
		}
	}
}

// Select switches the desk to counterID; "" deselects. It returns once the
// switch is applied, not when the first snapshot arrives.
func (m *Manager) Select(ctx context.Context, counterID string) error {
	return m.send(ctx, command{kind: commandSelect, counterID: strings.TrimSpace(counterID)})
}

// Refresh is the receptionist's explicit reload; failures are reported.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.send(ctx, command{kind: commandRefresh})
}

func (m *Manager) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case m.commands <- cmd:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleCommand(cmd command) error {
	switch cmd.kind {
	case commandSelect:
		m.selectCounter(cmd.counterID)
		return nil
	case commandRefresh:
		if m.counterID == "" {
			return ErrNoCounter
		}
		m.fetch(fetchRefresh)
		return nil
	}
	return nil
}

func (m *Manager) selectCounter(counterID string) {
	if counterID != "" && counterID == m.counterID {
		return
	}
	m.teardown()

	m.counterID = counterID
	m.token = m.store.Select(counterID)
	m.joined = false
	m.refreshing, m.refreshPending = false, false

	if counterID == "" {
		m.setState(StateIdle)
		return
	}

	// Detached from runCtx so that shutdown can still deliver the leave;
	// teardown cancels it explicitly.
	m.selectionCtx, m.cancelFetches = context.WithCancel(context.WithoutCancel(m.runCtx))
	m.fetch(fetchInitial)

	m.setState(StateConnecting)
	if m.dialer == nil {
		m.setState(StateDegraded)
		return
	}
	conn, err := m.dialer.Dial(m.selectionCtx)
	if err != nil {
		m.logger.Warn().Err(err).Str("counter_id", counterID).Msg("realtime unavailable, using refresh only")
		m.setState(StateDegraded)
		return
	}
	m.conn = conn
	m.frames = conn.Frames()
}

// teardown leaves and closes the current counter's channel and cancels its
// in-flight fetches. Late results are still dropped by the token check.
func (m *Manager) teardown() {
	if m.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := m.conn.Emit(ctx, EventLeaveCounter, counterPayload{CounterID: m.counterID}); err != nil {
			m.logger.Debug().Err(err).Str("counter_id", m.counterID).Msg("leave not delivered")
		}
		cancel()
		if err := m.conn.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("close realtime connection")
		}
		m.conn, m.frames = nil, nil
	}
	if m.cancelFetches != nil {
		m.cancelFetches()
		m.cancelFetches = nil
	}
}

func (m *Manager) handleFrame(frame Frame) {
	switch CanonicalEvent(frame.Event) {
	case EventConnected:
		ctx, cancel := context.WithTimeout(m.selectionCtx, leaveTimeout)
		err := m.conn.Emit(ctx, EventJoinCounter, counterPayload{CounterID: m.counterID})
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Str("counter_id", m.counterID).Msg("join counter failed")
			return
		}
		m.setState(StateJoined)
		if m.joined {
			// Events may have been missed while disconnected.
			m.fetch(fetchSilent)
		}
		m.joined = true
	case EventDisconnected, EventError:
		m.logger.Warn().Err(frame.Err).Str("event", frame.Event).Str("counter_id", m.counterID).Msg("realtime channel problem, keeping last snapshot")
		m.setState(StateConnecting)
	case EventJoinRejected:
		m.logger.Warn().RawJSON("data", rawOrNull(frame.Data)).Str("counter_id", m.counterID).Msg("join rejected, using refresh only")
		m.setState(StateDegraded)
	case EventTicketArrived, EventPositionChanged, EventStatusChanged:
		if id := eventCounterID(frame.Data); id != "" && id != m.counterID {
			return
		}
		m.fetch(fetchSilent)
	case EventQueueUpdate:
		m.applyPushed(frame.Data)
	default:
		m.logger.Debug().Str("event", frame.Event).Msg("ignored realtime event")
	}
}

func (m *Manager) applyPushed(data json.RawMessage) {
	snapshot, err := m.normalizer.DecodeSnapshot(data, m.counterID)
	if err != nil {
		m.logger.Debug().Err(err).Str("counter_id", m.counterID).Msg("unusable queue update, refetching")
		m.fetch(fetchSilent)
		return
	}
	if snapshot.CounterID != m.counterID {
		m.logger.Debug().Str("counter_id", m.counterID).Str("pushed_counter_id", snapshot.CounterID).Msg("ignored queue update for another counter")
		return
	}
	m.writeClock++
	if m.store.Replace(m.token, snapshot) {
		m.lastApplied = m.writeClock
	}
}

// fetch starts a snapshot read for the current selection. Silent reads are
// coalesced: while one is in flight, further triggers collapse into a single
// rerun.
func (m *Manager) fetch(kind fetchKind) {
	if m.counterID == "" || m.fetcher == nil {
		return
	}
	silent := kind == fetchSilent
	if silent {
		if m.refreshing {
			m.refreshPending = true
			return
		}
		m.refreshing = true
	}
	m.writeClock++
	token, stamp, counterID, ctx := m.token, m.writeClock, m.counterID, m.selectionCtx
	go func() {
		snapshot, err := m.fetcher.FetchSnapshot(ctx, counterID, upstream.FetchOptions{Silent: silent})
		select {
		case m.results <- fetchResult{token: token, stamp: stamp, counterID: counterID, kind: kind, snapshot: snapshot, err: err}:
		case <-m.done:
		}
	}()
}

func (m *Manager) handleResult(result fetchResult) {
	current := result.token == m.token
	rerun := false
	if result.kind == fetchSilent && current {
		m.refreshing = false
		rerun = m.refreshPending
		m.refreshPending = false
	}

	switch {
	case result.err != nil || result.snapshot == nil:
		// Keep showing the previous snapshot.
	case current && result.stamp <= m.lastApplied:
		m.logger.Debug().Str("counter_id", result.counterID).Msg("discarded snapshot superseded by a newer write")
		if result.kind == fetchRefresh {
			m.notifier.Success(refreshMessage)
		}
	case !m.store.Replace(result.token, result.snapshot):
		m.logger.Debug().Str("counter_id", result.counterID).Msg("discarded stale snapshot")
	default:
		m.lastApplied = result.stamp
		if result.kind == fetchRefresh {
			m.notifier.Success(refreshMessage)
		}
	}

	if rerun {
		m.fetch(fetchSilent)
	}
}

func rawOrNull(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
