// Package pipeline reads decoder output line by line and turns every valid
// line into a published reading.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/eddielth/efergy-bridge/logger"
	"github.com/eddielth/efergy-bridge/metrics"
	"github.com/eddielth/efergy-bridge/mqtt"
	"github.com/eddielth/efergy-bridge/parser"
	"github.com/eddielth/efergy-bridge/validator"
)

// PublishFailureDiagnostic is written to the diagnostic output whenever a
// reading cannot be delivered.
const PublishFailureDiagnostic = "Failed to connect to mqtt server"

// State is the runner lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Source produces decoder output. *supervisor.Chain is the production
// Source.
type Source interface {
	Start(ctx context.Context) (io.Reader, error)
	Stop() error
}

// Publisher delivers one reading. *mqtt.Publisher is the production
// Publisher.
type Publisher interface {
	Publish(r validator.Reading) error
}

// Runner drives one run of the decoder chain.
type Runner struct {
	source    Source
	publisher Publisher
	validator *validator.RangeValidator
	metrics   *metrics.Metrics
	diag      io.Writer

	state atomic.Int32
}

// NewRunner creates a Runner. A nil validator means validator.Default();
// nil metrics records nothing; diag receives the publish failure line and
// may be nil.
func NewRunner(source Source, publisher Publisher, v *validator.RangeValidator, m *metrics.Metrics, diag io.Writer) *Runner {
	if v == nil {
		v = validator.Default()
	}
	if diag == nil {
		diag = io.Discard
	}
	r := &Runner{
		source:    source,
		publisher: publisher,
		validator: v,
		metrics:   m,
		diag:      diag,
	}
	r.setState(StateStarting)
	return r
}

// State returns the current lifecycle state. Safe for concurrent use.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Healthy reports whether a state name belongs to a working pipeline.
func Healthy(state string) bool {
	return state == StateStarting.String() || state == StateRunning.String()
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.metrics.SetState(s.String())
}

// Run starts the source and processes its output until end of stream or
// until ctx is cancelled. The source is stopped exactly once before Run
// returns, whichever way it returns, panics included.
//
// Only launch failures and unexpected read errors are returned. Cancelling
// ctx is a normal shutdown.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		if r.State() == StateRunning || r.State() == StateStarting {
			r.setState(StateDraining)
		}
		if err := r.source.Stop(); err != nil {
			logger.Warn("stopping decoder chain: %v", err)
		}
		if r.State() == StateDraining {
			r.setState(StateStopped)
		}
	}()

	out, err := r.source.Start(ctx)
	if err != nil {
		r.setState(StateFailed)
		return fmt.Errorf("starting decoder chain: %w", err)
	}
	r.setState(StateRunning)

	// Closing the stream is what unblocks a pending read on shutdown.
	if c, ok := out.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() {
			if err := c.Close(); err != nil {
				logger.Debug("closing decoder output: %v", err)
			}
		})
		defer stop()
	}

	return r.loop(ctx, out)
}

func (r *Runner) loop(ctx context.Context, out io.Reader) error {
	br := bufio.NewReader(out)
	for {
		if ctx.Err() != nil {
			logger.Info("shutting down: %v", context.Cause(ctx))
			return nil
		}

		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			r.handleLine(line)
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			logger.Info("decoder output ended")
			return nil
		case ctx.Err() != nil:
			logger.Info("shutting down: %v", context.Cause(ctx))
			return nil
		default:
			return fmt.Errorf("reading decoder output: %w", err)
		}
	}
}

// handleLine runs one line through parse, validate and publish. Nothing in
// here stops the loop.
func (r *Runner) handleLine(line []byte) {
	r.metrics.LineRead()

	rec, err := parser.Parse(line)
	if err != nil {
		r.metrics.LineSkipped(skipReason(err))
		logger.Debug("skipping decoder line %q: %v", line, err)
		return
	}

	reading, err := r.validator.Validate(rec)
	if err != nil {
		if errors.Is(err, validator.ErrOutOfRange) {
			r.metrics.OutOfRange()
		} else {
			r.metrics.LineSkipped("not_numeric")
		}
		logger.Debug("dropping reading %q: %v", rec.Value(), err)
		return
	}

	if err := r.publisher.Publish(reading); err != nil {
		fmt.Fprintln(r.diag, PublishFailureDiagnostic)
		r.metrics.PublishFailed(failureKind(err))
		logger.Warn("%v", err)
		return
	}
	r.metrics.Published(reading.ConsumptionWatts)
	logger.Debug("published %.2f W (decoder stamp %s %s)", reading.ConsumptionWatts, rec.Tag(), rec.Timestamp())
}

func skipReason(err error) string {
	var decodeErr *parser.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.Is(err, parser.ErrFieldCount):
		return "field_count"
	default:
		return "no_match"
	}
}

func failureKind(err error) string {
	var pubErr *mqtt.PublishError
	if errors.As(err, &pubErr) {
		return string(pubErr.Kind)
	}
	return "unknown"
}
