package preview

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	qerrors "quote-cpq/pkg/errors"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultTimeout  = 15 * time.Second
	MinTimeout      = 10 * time.Second
	MaxTimeout      = 30 * time.Second
	HistoryLimit    = 10
)

// OutcomeKind classifies how a preview cycle ended.
type OutcomeKind string

const (
	OutcomeAccepted  OutcomeKind = "accepted"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeDiscarded OutcomeKind = "discarded"
	OutcomeSkipped   OutcomeKind = "skipped"
)

// Outcome is reported to the observer after every cycle.
type Outcome struct {
	Generation uint64
	Kind       OutcomeKind
	Err        error
}

// Option configures a Requester.
type Option func(*Requester)

func WithDebounce(d time.Duration) Option { return func(r *Requester) { r.debounce = d } }
func WithTimeout(d time.Duration) Option { return func(r *Requester) { r.timeout = d } }
func WithAfterFunc(f AfterFunc) Option { return func(r *Requester) { r.afterFunc = f } }
func WithClock(now func() time.Time) Option {
	return func(r *Requester) { r.now = now }
}
func WithNotifier(n Notifier) Option { return func(r *Requester) { r.notifier = n } }
func WithLogger(l zerolog.Logger) Option { return func(r *Requester) { r.logger = l } }
func WithObserver(f func(Outcome)) Option { return func(r *Requester) { r.observer = f } }

// Requester debounces triggers into preview requests and keeps the latest
// accepted result. build is called outside the requester's lock and must
// return the current configurator state.
type Requester struct {
	pricer Pricer
	build  func() Request

	debounce  time.Duration
	timeout   time.Duration
	afterFunc AfterFunc
	now       func() time.Time
	notifier  Notifier
	logger    zerolog.Logger
	observer  func(Outcome)

	mu       sync.Mutex
	timer    Timer
	armed    uint64 // identifies the live timer
	epoch    uint64 // bumped by Invalidate
	issued   uint64 // generation of the latest issued request
	inFlight int
	result   *Result
	lastErr  error
	history  []HistoryEntry
}

func NewRequester(pricer Pricer, build func() Request, opts ...Option) *Requester {
	r := &Requester{
		pricer:    pricer,
		build:     build,
		debounce:  DefaultDebounce,
		timeout:   DefaultTimeout,
		afterFunc: StdAfterFunc,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		logger := r.logger
		r.notifier = NotifierFunc(func(n Notification) {
			logger.Warn().Str("code", n.Code).Msg(n.Message)
		})
	}
	return r
}

// Trigger restarts the quiet period. A pending request is cancelled, not queued.
func (r *Requester) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.armed++
	token := r.armed
	r.timer = r.afterFunc(r.debounce, func() { r.fire(token) })
}

// Invalidate drops the pending trigger and makes every in-flight response stale.
func (r *Requester) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.armed++
	r.epoch++
	r.issued++
}

// Reset invalidates like Invalidate and also forgets the accepted result
// and the last error. History is kept.
func (r *Requester) Reset() {
	r.Invalidate()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = nil
	r.lastErr = nil
}

func (r *Requester) fire(token uint64) {
	r.mu.Lock()
	if token != r.armed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	epoch := r.epoch
	r.mu.Unlock()

	req := r.build()
	gen, ok := r.issue(req, epoch)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		res, err := r.pricer.PreviewPrice(ctx, req)
		r.settle(gen, req, res, err)
	}()
}

// issue stamps req with a new generation unless it has no source or the
// state it was built from has been invalidated meanwhile.
func (r *Requester) issue(req Request, epoch uint64) (uint64, bool) {
	if !req.HasSource() {
		r.logger.Debug().Msg("preview skipped: no rule set or template selected")
		r.report(Outcome{Kind: OutcomeSkipped, Err: qerrors.NewNoSourceSelected()})
		return 0, false
	}

	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		r.report(Outcome{Kind: OutcomeSkipped})
		return 0, false
	}
	r.issued++
	gen := r.issued
	r.inFlight++
	r.mu.Unlock()

	r.logger.Debug().Uint64("generation", gen).Msg("preview request issued")
	return gen, true
}

func (r *Requester) settle(gen uint64, req Request, res *Result, err error) Outcome {
	if err == nil && res == nil {
		err = qerrors.NewNetworkOrServerFailure(0, "empty preview response", nil)
	}

	r.mu.Lock()
	r.inFlight--
	if gen != r.issued {
		latest := r.issued
		r.mu.Unlock()
		stale := qerrors.NewStaleResponseDiscarded(gen, latest)
		r.logger.Debug().Uint64("generation", gen).Uint64("latest", latest).Msg("stale preview response discarded")
		out := Outcome{Generation: gen, Kind: OutcomeDiscarded, Err: stale}
		r.report(out)
		return out
	}

	if err != nil {
		r.lastErr = err
		r.mu.Unlock()
		r.notifier.Notify(Notification{
			Severity: SeverityError,
			Code:     qerrors.CodeOf(err),
			Message:  qerrors.UserMessage(err),
		})
		out := Outcome{Generation: gen, Kind: OutcomeFailed, Err: err}
		r.report(out)
		return out
	}

	r.result = res
	r.lastErr = nil
	entry := HistoryEntry{
		Timestamp:   r.now(),
		Selections:  req.Selections.Clone(),
		BasePrice:   res.BasePrice,
		FinalPrice:  res.FinalPrice,
		Adjustments: append([]Adjustment(nil), res.Adjustments...),
	}
	r.history = append([]HistoryEntry{entry}, r.history...)
	if len(r.history) > HistoryLimit {
		r.history = r.history[:HistoryLimit]
	}
	r.mu.Unlock()

	out := Outcome{Generation: gen, Kind: OutcomeAccepted}
	r.report(out)
	return out
}

// PreviewNow skips the quiet period and waits for the response. The usual
// generation rules apply: if a newer request is issued meanwhile, the
// response is discarded and a stale error returned.
func (r *Requester) PreviewNow(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.armed++
	epoch := r.epoch
	r.mu.Unlock()

	req := r.build()
	if !req.HasSource() {
		r.report(Outcome{Kind: OutcomeSkipped})
		return nil, qerrors.NewNoSourceSelected()
	}
	gen, ok := r.issue(req, epoch)
	if !ok {
		return nil, qerrors.NewStaleResponseDiscarded(0, 0)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.pricer.PreviewPrice(ctx, req)
	out := r.settle(gen, req, res, err)
	if out.Err != nil {
		return nil, out.Err
	}
	return res, nil
}

func (r *Requester) report(out Outcome) {
	if r.observer != nil {
		r.observer(out)
	}
}

// Result returns the latest accepted preview, or nil.
func (r *Requester) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// LastError returns the error of the latest failed cycle, cleared by a success.
func (r *Requester) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// DismissError hides the error indicator without touching the result.
func (r *Requester) DismissError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = nil
}

// Pending reports whether a trigger is waiting or a request is in flight.
func (r *Requester) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil || r.inFlight > 0
}

// History returns accepted previews, newest first.
func (r *Requester) History() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}
