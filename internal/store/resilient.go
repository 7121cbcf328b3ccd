package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Degradation policy for expensive operations. When a covered call
// fails outside the caller's control, the client probes liveness and
// either retries a cheapened request or reports the store unreachable:
//
//	failure class            probe    action
//	---------------------    ------   -----------------------------------
//	connectivity / 5xx       ok       retry once with Strip, flag degraded
//	connectivity / 5xx       failed   ErrUnreachable wrapping the original
//	4xx validation           -        surface the error unchanged
//	retry failure            -        surface the retry error
//
// Operations without a policy row always surface their error unchanged.
type degradePolicy struct {
	Strip func(StartRequest) StartRequest
	Note  string
}

var degradePolicies = map[string]degradePolicy{
	"label_queue/start": {
		Strip: stripLowFilter,
		Note:  "queue started without the low-traffic filter",
	},
}

func stripLowFilter(r StartRequest) StartRequest {
	r.LowPct = nil
	r.LowValue = nil
	r.FilterYear = nil
	return r
}

// degradable reports whether the failure class allows a probe-and-retry.
func degradable(err error) bool {
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return false
}

// StartQueue starts a labeling queue. A failed start carrying the
// low-traffic filter probes the store and, if it is alive, retries once
// with the filter stripped; that result comes back flagged degraded. A
// dead probe reports ErrUnreachable around the original failure.
func (c *Client) StartQueue(ctx context.Context, req StartRequest) (StartResult, error) {
	var state QueueState
	err := c.post(ctx, "/api/label_queue/start", req, &state)
	if err == nil {
		return StartResult{State: state}, nil
	}

	policy, covered := degradePolicies["label_queue/start"]
	if !covered || !req.HasLowFilter() || !degradable(err) {
		return StartResult{}, err
	}

	c.log.Warn("queue start failed, probing store before degraded retry", zap.Error(err))
	if perr := c.Probe(ctx); perr != nil {
		return StartResult{}, eris.Wrapf(errors.Join(ErrUnreachable, err),
			"store probe failed after start error: %v", perr)
	}

	if rerr := c.post(ctx, "/api/label_queue/start", policy.Strip(req), &state); rerr != nil {
		return StartResult{}, rerr
	}
	c.log.Info("queue start degraded", zap.String("note", policy.Note))
	return StartResult{State: state, Degraded: true, Note: policy.Note}, nil
}
