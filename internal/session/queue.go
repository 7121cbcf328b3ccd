package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gridflow/annotator/internal/journal"
	"github.com/gridflow/annotator/internal/store"
	"github.com/gridflow/annotator/internal/workflow"
)

// StartQueue starts a labeling queue and kicks off the first
// candidate's selection load in the background so the caller is not
// blocked on flow data.
func (s *Session) StartQueue(ctx context.Context, opts workflow.StartOptions) (workflow.StartOutcome, error) {
	out, err := s.work.Start(ctx, opts)
	if err != nil {
		return out, err
	}
	if out.State.Mode == workflow.ModeActive {
		s.asyncSelect(out.Current)
	}
	return out, nil
}

// SubmitLabel labels the current candidate and moves to the next one.
func (s *Session) SubmitLabel(ctx context.Context, label int, remark string) (workflow.State, error) {
	st, err := s.work.Submit(ctx, label, remark)
	if err != nil {
		return st, err
	}
	if cur, ok := st.Current(); ok {
		s.asyncSelect(cur)
	}
	return st, nil
}

// SkipCell advances past the current candidate.
func (s *Session) SkipCell(ctx context.Context) (workflow.State, error) {
	st, err := s.work.Skip(ctx)
	if err != nil {
		return st, err
	}
	if cur, ok := st.Current(); ok {
		s.asyncSelect(cur)
	}
	return st, nil
}

// UndoStep reverses the last queue step.
func (s *Session) UndoStep(ctx context.Context) (workflow.State, error) {
	st, err := s.work.Undo(ctx)
	if err != nil {
		return st, err
	}
	if cur, ok := st.Current(); ok {
		s.asyncSelect(cur)
	}
	return st, nil
}

// ResumeQueue reloads the store's persisted queue.
func (s *Session) ResumeQueue(ctx context.Context) (workflow.State, error) {
	st, err := s.work.Resume(ctx)
	if err != nil {
		return st, err
	}
	if cur, ok := st.Current(); ok {
		s.asyncSelect(cur)
	}
	return st, nil
}

// ResetQueue clears the queue and returns the workflow to idle.
func (s *Session) ResetQueue(ctx context.Context) (workflow.State, error) {
	return s.work.Reset(ctx)
}

// Workflow reports the workflow state snapshot.
func (s *Session) Workflow() workflow.State { return s.work.Snapshot() }

// Busy reports whether a mutating workflow operation is in flight.
func (s *Session) Busy() bool { return s.work.Busy() }

// LabelStats proxies the store's per-class label counts.
func (s *Session) LabelStats(ctx context.Context) (store.StatsResponse, error) {
	return s.store.LabelStats(ctx)
}

// Labels proxies the stored label rows.
func (s *Session) Labels(ctx context.Context) ([]store.LabelRecord, error) {
	return s.store.Labels(ctx)
}

// ClearLabels deletes every stored label row.
func (s *Session) ClearLabels(ctx context.Context) error {
	return s.store.ClearLabels(ctx)
}

// onWorkflowEvent keeps the status note in sync with workflow
// outcomes.
func (s *Session) onWorkflowEvent(ev workflow.Event) {
	s.setNote(eventNote(ev))
}

func eventNote(ev workflow.Event) string {
	if ev.Note != "" {
		return ev.Note
	}
	switch ev.Action {
	case journal.ActionStart:
		return fmt.Sprintf("queue of %d started", ev.State.Total())
	case journal.ActionSubmit:
		if ev.State.Mode == workflow.ModeCompleted {
			return "queue completed"
		}
		return fmt.Sprintf("labeled, now at %d/%d", ev.State.Index, ev.State.Total())
	case journal.ActionSkip:
		if ev.State.Mode == workflow.ModeCompleted {
			return "queue completed"
		}
		return fmt.Sprintf("skipped to %d/%d", ev.State.Index, ev.State.Total())
	case journal.ActionUndo:
		return fmt.Sprintf("stepped back to %d/%d", ev.State.Index, ev.State.Total())
	case journal.ActionResume:
		if ev.State.Total() > 0 {
			return fmt.Sprintf("resumed at %d/%d", ev.State.Index, ev.State.Total())
		}
		return ""
	case journal.ActionReset:
		return "queue cleared"
	}
	return ""
}

// asyncSelect loads a candidate's selection data off the request path.
func (s *Session) asyncSelect(gridID int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SelectTimeout)
		defer cancel()
		if err := s.SelectGrid(ctx, gridID); err != nil {
			s.log.Warn("candidate selection failed", zap.Int("grid_id", gridID), zap.Error(err))
		}
	}()
}
