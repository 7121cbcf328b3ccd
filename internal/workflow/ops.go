package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridflow/annotator/internal/journal"
	"github.com/gridflow/annotator/internal/store"
)

// StartOptions configure a new labeling queue.
type StartOptions struct {
	Count      int
	City       string
	Area       string
	Keyword    string
	LowPct     *float64
	LowValue   *float64
	FilterYear *int
	Seed       *int64
}

// StartOutcome reports what a start achieved. NoCandidates means the
// store found nothing to label; the workflow stayed Idle.
type StartOutcome struct {
	State        State
	NoCandidates bool
	Degraded     bool
	Note         string
	Current      int
}

// Start asks the store for a fresh queue and enters Active on success.
// An empty result leaves the workflow Idle and reports NoCandidates
// instead of failing.
func (w *Workflow) Start(ctx context.Context, opts StartOptions) (StartOutcome, error) {
	if err := w.acquire(); err != nil {
		return StartOutcome{}, err
	}
	defer w.release()

	req := store.StartRequest{
		Count:      opts.Count,
		City:       opts.City,
		Area:       opts.Area,
		Keyword:    opts.Keyword,
		LowPct:     opts.LowPct,
		LowValue:   opts.LowValue,
		FilterYear: opts.FilterYear,
		Seed:       opts.Seed,
	}
	if req.Count <= 0 {
		req.Count = 20
	}

	res, err := w.store.StartQueue(ctx, req)
	if err != nil {
		w.record(journal.Entry{Action: journal.ActionStart, Label: -1,
			Outcome: journal.OutcomeError, Note: errNote(err)})
		return StartOutcome{}, eris.Wrap(err, "start labeling queue")
	}

	w.mu.Lock()
	if len(res.State.Queue) == 0 {
		note := "no candidates match the filters"
		w.state = State{Mode: ModeIdle, Note: note}
		snap := w.snapshotLocked()
		w.mu.Unlock()

		w.record(journal.Entry{Action: journal.ActionStart, Label: -1,
			Outcome: journal.OutcomeOK, Note: note})
		w.emit(journal.ActionStart, snap, note)
		return StartOutcome{State: snap, NoCandidates: true, Note: note}, nil
	}

	runID := uuid.NewString()
	w.state = State{
		Mode:  ModeActive,
		Queue: res.State.Queue,
		Index: res.State.Index,
		RunID: runID,
		Note:  res.Note,
	}
	snap := w.snapshotLocked()
	w.mu.Unlock()

	outcome := journal.OutcomeOK
	if res.Degraded {
		outcome = journal.OutcomeDegraded
	}
	w.record(journal.Entry{RunID: runID, Action: journal.ActionStart, Label: -1,
		QueueIndex: snap.Index, QueueLen: snap.Total(), Outcome: outcome, Note: res.Note})
	w.emit(journal.ActionStart, snap, res.Note)

	current, _ := snap.Current()
	return StartOutcome{State: snap, Degraded: res.Degraded, Note: res.Note, Current: current}, nil
}

// Submit saves a label for the current candidate, captures the
// screenshot and advances. The pointer moves only on the store's
// acknowledgment; a failed save or advance leaves it untouched.
func (w *Workflow) Submit(ctx context.Context, label int, remark string) (State, error) {
	if label < 0 || label > 9 {
		return w.Snapshot(), eris.Wrapf(ErrBadLabel, "got %d", label)
	}
	if err := w.acquire(); err != nil {
		return w.Snapshot(), err
	}
	defer w.release()

	w.mu.Lock()
	current, ok := w.state.Current()
	runID := w.state.RunID
	w.mu.Unlock()
	if !ok {
		return w.Snapshot(), ErrNotActive
	}

	if err := w.store.SaveLabel(ctx, store.LabelRecord{GridID: current, Label: label, Remark: remark}); err != nil {
		w.record(journal.Entry{RunID: runID, Action: journal.ActionSubmit, GridID: current,
			Label: label, Remark: remark, Outcome: journal.OutcomeError, Note: errNote(err)})
		return w.Snapshot(), eris.Wrapf(err, "save label for grid %d", current)
	}

	w.shoot(ctx, current, label)

	resp, err := w.store.Advance(ctx)
	if err != nil {
		w.record(journal.Entry{RunID: runID, Action: journal.ActionSubmit, GridID: current,
			Label: label, Remark: remark, Outcome: journal.OutcomeError,
			Note: "label saved, advance failed: " + errNote(err)})
		return w.Snapshot(), eris.Wrap(err, "advance queue")
	}

	snap := w.applyStep(resp)
	w.record(journal.Entry{RunID: runID, Action: journal.ActionSubmit, GridID: current,
		Label: label, Remark: remark, QueueIndex: snap.Index, QueueLen: snap.Total(),
		Outcome: journal.OutcomeOK})
	w.emit(journal.ActionSubmit, snap, "")
	return snap, nil
}

// Skip advances past the current candidate without writing a label.
func (w *Workflow) Skip(ctx context.Context) (State, error) {
	if err := w.acquire(); err != nil {
		return w.Snapshot(), err
	}
	defer w.release()

	w.mu.Lock()
	current, ok := w.state.Current()
	runID := w.state.RunID
	w.mu.Unlock()
	if !ok {
		return w.Snapshot(), ErrNotActive
	}

	resp, err := w.store.Advance(ctx)
	if err != nil {
		w.record(journal.Entry{RunID: runID, Action: journal.ActionSkip, GridID: current,
			Label: -1, Outcome: journal.OutcomeError, Note: errNote(err)})
		return w.Snapshot(), eris.Wrap(err, "advance queue")
	}

	snap := w.applyStep(resp)
	w.record(journal.Entry{RunID: runID, Action: journal.ActionSkip, GridID: current,
		Label: -1, QueueIndex: snap.Index, QueueLen: snap.Total(), Outcome: journal.OutcomeOK})
	w.emit(journal.ActionSkip, snap, "")
	return snap, nil
}

// Undo asks the store to drop the newest label row, then steps the
// queue back: through the back route when the store advertises it,
// otherwise by setting the index to max(0, index-1) directly. The
// fallback and a failed label rollback are degraded outcomes; the
// pointer still only moves on the store's acknowledgment.
func (w *Workflow) Undo(ctx context.Context) (State, error) {
	if err := w.acquire(); err != nil {
		return w.Snapshot(), err
	}
	defer w.release()

	w.mu.Lock()
	mode := w.state.Mode
	index := w.state.Index
	runID := w.state.RunID
	w.mu.Unlock()
	if mode == ModeIdle {
		return w.Snapshot(), ErrNotActive
	}

	outcome := journal.OutcomeOK
	note := ""
	if err := w.store.UndoLabel(ctx); err != nil {
		// The queue still steps back; the stray label row is the
		// documented desync window.
		outcome = journal.OutcomeDegraded
		note = "label rollback failed: " + errNote(err)
		w.log.Warn("label rollback failed, stepping back anyway", zap.Error(err))
	}

	var resp store.StepResponse
	var err error
	if w.store.SupportsRoute("label_queue_back") {
		resp, err = w.store.Back(ctx)
	} else {
		target := index - 1
		if target < 0 {
			target = 0
		}
		resp, err = w.store.SetIndex(ctx, target)
		outcome = journal.OutcomeDegraded
		if note != "" {
			note += "; "
		}
		note += "step-back unsupported, index set directly"
		w.log.Warn("store lacks step-back, using set-index fallback", zap.Int("target", target))
	}
	if err != nil {
		w.record(journal.Entry{RunID: runID, Action: journal.ActionUndo, Label: -1,
			QueueIndex: index, Outcome: journal.OutcomeError, Note: errNote(err)})
		return w.Snapshot(), eris.Wrap(err, "step queue back")
	}

	snap := w.applyStep(resp)
	w.record(journal.Entry{RunID: runID, Action: journal.ActionUndo, Label: -1,
		QueueIndex: snap.Index, QueueLen: snap.Total(), Outcome: outcome, Note: note})
	w.emit(journal.ActionUndo, snap, note)
	return snap, nil
}

// Resume reloads the store's persisted queue: Active when the pointer
// is inside the queue, Completed when it ran off the end, Idle when
// nothing is saved.
func (w *Workflow) Resume(ctx context.Context) (State, error) {
	if err := w.acquire(); err != nil {
		return w.Snapshot(), err
	}
	defer w.release()

	qs, err := w.store.Queue(ctx)
	if err != nil {
		w.record(journal.Entry{Action: journal.ActionResume, Label: -1,
			Outcome: journal.OutcomeError, Note: errNote(err)})
		return w.Snapshot(), eris.Wrap(err, "load saved queue")
	}

	w.mu.Lock()
	switch {
	case len(qs.Queue) == 0:
		w.state = State{Mode: ModeIdle}
	case qs.Index < len(qs.Queue):
		w.state = State{Mode: ModeActive, Queue: qs.Queue, Index: qs.Index, RunID: uuid.NewString()}
	default:
		w.state = State{Mode: ModeCompleted, Queue: qs.Queue, Index: qs.Index, RunID: uuid.NewString()}
	}
	snap := w.snapshotLocked()
	w.mu.Unlock()

	w.record(journal.Entry{RunID: snap.RunID, Action: journal.ActionResume, Label: -1,
		QueueIndex: snap.Index, QueueLen: snap.Total(), Outcome: journal.OutcomeOK})
	w.emit(journal.ActionResume, snap, "")
	return snap, nil
}

// Reset clears the store's queue and returns to Idle.
func (w *Workflow) Reset(ctx context.Context) (State, error) {
	if err := w.acquire(); err != nil {
		return w.Snapshot(), err
	}
	defer w.release()

	w.mu.Lock()
	runID := w.state.RunID
	w.mu.Unlock()

	if err := w.store.ResetQueue(ctx); err != nil {
		w.record(journal.Entry{RunID: runID, Action: journal.ActionReset, Label: -1,
			Outcome: journal.OutcomeError, Note: errNote(err)})
		return w.Snapshot(), eris.Wrap(err, "reset queue")
	}

	w.mu.Lock()
	w.state = State{Mode: ModeIdle}
	snap := w.snapshotLocked()
	w.mu.Unlock()

	w.record(journal.Entry{RunID: runID, Action: journal.ActionReset, Label: -1,
		Outcome: journal.OutcomeOK})
	w.emit(journal.ActionReset, snap, "")
	return snap, nil
}

// applyStep folds a store acknowledgment into the state and settles
// the Active/Completed boundary.
func (w *Workflow) applyStep(resp store.StepResponse) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Index = resp.Index
	if resp.Index >= len(w.state.Queue) {
		w.state.Mode = ModeCompleted
	} else {
		w.state.Mode = ModeActive
	}
	return w.snapshotLocked()
}
