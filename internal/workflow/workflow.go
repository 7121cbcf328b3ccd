// Package workflow drives the labeling queue state machine: an
// Idle/Active/Completed lifecycle over a server-owned queue, with a
// single-flight guard serializing every mutating operation.
package workflow

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gridflow/annotator/internal/journal"
	"github.com/gridflow/annotator/internal/store"
)

// Mode is the workflow lifecycle state.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeActive    Mode = "active"
	ModeCompleted Mode = "completed"
)

var (
	// ErrBusy reports a mutating call while another is in flight. The
	// caller treats it as a no-op; no request was issued.
	ErrBusy = errors.New("labeling operation in flight")
	// ErrNotActive reports an operation that needs an active queue.
	ErrNotActive = errors.New("no active labeling queue")
	// ErrBadLabel reports a label outside 0..9.
	ErrBadLabel = errors.New("label must be 0..9")
)

// QueueStore is the slice of the store client the workflow drives.
type QueueStore interface {
	StartQueue(ctx context.Context, req store.StartRequest) (store.StartResult, error)
	Queue(ctx context.Context) (store.QueueState, error)
	Advance(ctx context.Context) (store.StepResponse, error)
	Back(ctx context.Context) (store.StepResponse, error)
	SetIndex(ctx context.Context, index int) (store.StepResponse, error)
	ResetQueue(ctx context.Context) error
	SaveLabel(ctx context.Context, rec store.LabelRecord) error
	UndoLabel(ctx context.Context) error
	SupportsRoute(name string) bool
}

// Recorder is the audit sink. Recording failures never fail an
// operation; they are logged and dropped.
type Recorder interface {
	Record(e journal.Entry) (int64, error)
}

// Shooter captures a snapshot image for a just-saved label. It runs
// between the label write and the queue advance; failures must only be
// reported, never block.
type Shooter interface {
	Shoot(ctx context.Context, gridID, label int) error
}

// State is a point-in-time view of the workflow.
type State struct {
	Mode  Mode   `json:"mode"`
	Busy  bool   `json:"busy"`
	Queue []int  `json:"queue"`
	Index int    `json:"index"`
	RunID string `json:"run_id,omitempty"`
	Note  string `json:"note,omitempty"`
}

// Current returns the grid id under the pointer while the queue is
// active.
func (s State) Current() (int, bool) {
	if s.Mode != ModeActive || s.Index < 0 || s.Index >= len(s.Queue) {
		return 0, false
	}
	return s.Queue[s.Index], true
}

// Total returns the queue length.
func (s State) Total() int { return len(s.Queue) }

// Event notifies observers after a state transition.
type Event struct {
	Action journal.Action
	State  State
	Note   string
}

// Options configure a Workflow.
type Options struct {
	Store       QueueStore
	Journal     Recorder
	Shooter     Shooter
	Logger      *zap.Logger
	Screenshots bool
	OnEvent     func(Event)
}

// Workflow is the labeling queue state machine. The queue pointer only
// ever takes values acknowledged by the store; local stepping is not
// allowed by construction.
type Workflow struct {
	store       QueueStore
	journal     Recorder
	shooter     Shooter
	log         *zap.Logger
	screenshots bool
	onEvent     func(Event)

	busy atomic.Bool

	mu    sync.Mutex
	state State
}

// New builds a workflow in the Idle state.
func New(opts Options) *Workflow {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Workflow{
		store:       opts.Store,
		journal:     opts.Journal,
		shooter:     opts.Shooter,
		log:         log,
		screenshots: opts.Screenshots,
		onEvent:     opts.OnEvent,
		state:       State{Mode: ModeIdle},
	}
}

// Snapshot returns a copy of the current state.
func (w *Workflow) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() State {
	s := w.state
	s.Queue = slices.Clone(s.Queue)
	s.Busy = w.busy.Load()
	return s
}

// Busy reports whether a mutating operation is in flight.
func (w *Workflow) Busy() bool { return w.busy.Load() }

// acquire takes the single-flight guard or fails with ErrBusy.
func (w *Workflow) acquire() error {
	if !w.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (w *Workflow) release() { w.busy.Store(false) }

func (w *Workflow) record(e journal.Entry) {
	if w.journal == nil {
		return
	}
	if _, err := w.journal.Record(e); err != nil {
		w.log.Warn("journal write failed", zap.Error(err), zap.String("action", string(e.Action)))
	}
}

func (w *Workflow) emit(action journal.Action, s State, note string) {
	if w.onEvent != nil {
		w.onEvent(Event{Action: action, State: s, Note: note})
	}
}

// shoot captures the screenshot for a saved label. Best effort: every
// failure is logged and swallowed.
func (w *Workflow) shoot(ctx context.Context, gridID, label int) {
	if !w.screenshots || w.shooter == nil {
		return
	}
	if err := w.shooter.Shoot(ctx, gridID, label); err != nil {
		w.log.Warn("screenshot capture failed",
			zap.Int("grid_id", gridID), zap.Int("label", label), zap.Error(err))
	}
}

func errNote(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}
