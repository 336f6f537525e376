package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
)

// Config holds adapter retry and timeout policy. Timeouts are independent
// per stage type; stages without an override use DefaultTimeout.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DefaultTimeout time.Duration
	StageTimeouts  map[string]time.Duration
}

// Invocation is the record of one adapter call, including failed attempts,
// for the caller's evidence trail.
type Invocation struct {
	Result   *Result
	Attempts int
	// AttemptErrors holds the error from each failed attempt, in order.
	AttemptErrors []error
}

// Adapter wraps registered stages behind the uniform invocation contract.
type Adapter struct {
	stages map[string]Stage
	cfg    Config
	logger log.Logger
}

// NewAdapter creates an adapter over the given stages.
func NewAdapter(cfg Config, logger log.Logger, stages ...Stage) *Adapter {
	if logger == nil {
		logger = log.Nop()
	}
	m := make(map[string]Stage, len(stages))
	for _, s := range stages {
		m[s.Name()] = s
	}
	return &Adapter{stages: m, cfg: cfg, logger: logger}
}

// Timeout returns the configured timeout for a stage.
func (a *Adapter) Timeout(stageName string) time.Duration {
	if d, ok := a.cfg.StageTimeouts[stageName]; ok {
		return d
	}
	return a.cfg.DefaultTimeout
}

// Invoke runs a stage against the input snapshot. Transient failures are
// retried with exponential backoff up to the attempt budget; contract
// violations and cancellation fail immediately. On success the output is
// validated against the stage's declared schema before being accepted.
func (a *Adapter) Invoke(ctx context.Context, stageName string, in Input) (*Invocation, error) {
	st, ok := a.stages[stageName]
	if !ok {
		return nil, Violation(stageName, fmt.Errorf("no such stage registered"))
	}

	L := a.logger.With("stage", stageName, "investigation_id", in.InvestigationID)

	inv := &Invocation{}
	attempt := func() (*Result, error) {
		inv.Attempts++
		runCtx, cancel := context.WithTimeout(ctx, a.Timeout(stageName))
		defer cancel()

		res, err := st.Run(runCtx, in)
		if err == nil {
			if verr := a.validate(st, res); verr != nil {
				err = verr
			}
		}
		if err != nil {
			inv.AttemptErrors = append(inv.AttemptErrors, err)
			switch KindOf(err) {
			case FailureTransient:
				// Give up early if the caller is gone; backoff would
				// otherwise burn the remaining budget pointlessly.
				if ctx.Err() != nil {
					return nil, backoff.Permanent(&Failure{Kind: FailureCancelled, Stage: stageName, Err: ctx.Err()})
				}
				L.Warn(ctx, "stage attempt failed, will retry", "attempt", inv.Attempts, "error", err)
				return nil, Transient(stageName, err)
			case FailureCancelled:
				return nil, backoff.Permanent(&Failure{Kind: FailureCancelled, Stage: stageName, Err: err})
			default:
				return nil, backoff.Permanent(Violation(stageName, err))
			}
		}
		return res, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialBackoff
	bo.MaxInterval = a.cfg.MaxBackoff

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(a.cfg.MaxAttempts)),
	)
	if err != nil {
		return inv, err
	}

	inv.Result = res
	return inv, nil
}

// validate checks the result shape against the stage's declared schema.
// Violations are terminal: a stage that produced malformed output once will
// not produce well-formed output on an identical retry.
func (a *Adapter) validate(st Stage, res *Result) error {
	if res == nil {
		return Violation(st.Name(), fmt.Errorf("stage returned nil result"))
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return Violation(st.Name(), fmt.Errorf("confidence %.2f out of range [0,1]", res.Confidence))
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return Violation(st.Name(), fmt.Errorf("output is not a JSON object: %w", err))
	}
	for _, key := range st.OutputKeys() {
		if _, ok := data[key]; !ok {
			return Violation(st.Name(), fmt.Errorf("output missing required key %q", key))
		}
	}
	return nil
}
