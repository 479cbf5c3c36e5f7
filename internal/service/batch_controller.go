package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mailproof/mailproof/internal/auth"
	"github.com/mailproof/mailproof/internal/email"
	"github.com/mailproof/mailproof/internal/evidence"
	"github.com/mailproof/mailproof/internal/logger"
	"github.com/mailproof/mailproof/internal/model"
	"github.com/mailproof/mailproof/internal/render"
)

// State of a batch controller
type State string

// Controller states
const (
	StateIdle           State = "idle"
	StateRunning        State = "running"
	StateCancelling     State = "cancelling"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
	StateFatallyAborted State = "fatally_aborted"
)

// Controller errors
var (
	ErrAlreadyStarted = errors.New("campaign already started")
	ErrNotStarted     = errors.New("campaign not started")
)

// maxBackoff caps the doubling retry wait; a provider hint may exceed it
const maxBackoff = 5 * time.Minute

// ProgressFunc is called after each recipient reaches its terminal state
type ProgressFunc func(model.Progress)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a BatchController
type Option func(*BatchController)

// WithProgress registers a progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(b *BatchController) { b.onProgress = fn }
}

// WithComposer replaces the default message composer
func WithComposer(c *email.Composer) Option {
	return func(b *BatchController) { b.composer = c }
}

// WithSleep replaces the wait used for delays and retry backoff
func WithSleep(fn SleepFunc) Option {
	return func(b *BatchController) { b.sleep = fn }
}

// WithClock replaces the time source used for attempt timestamps and Date headers
func WithClock(now func() time.Time) Option {
	return func(b *BatchController) { b.now = now }
}

// BatchController drives one campaign: render, send with retry, record
// evidence, wait, for every recipient in order on a single goroutine.
type BatchController struct {
	campaign   *model.Campaign
	transport  email.Transport
	recorder   *evidence.Recorder
	renderer   *render.Renderer
	composer   *email.Composer
	log        *logger.Logger
	onProgress ProgressFunc
	sleep      SleepFunc
	now        func() time.Time

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	summary *model.CampaignSummary
	err     error
}

// NewBatchController creates a controller for campaign. The controller
// depends only on the Transport interface.
func NewBatchController(
	campaign *model.Campaign,
	transport email.Transport,
	recorder *evidence.Recorder,
	log *logger.Logger,
	opts ...Option,
) *BatchController {
	b := &BatchController{
		campaign:  campaign,
		transport: transport,
		recorder:  recorder,
		renderer:  render.New(),
		composer:  email.NewComposer(campaign.Sender, campaign.SenderName, ""),
		log:       log.WithComponent("batch").WithCampaign(campaign.ID),
		sleep:     sleepContext,
		now:       time.Now,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current controller state
func (b *BatchController) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start launches the campaign in the background
func (b *BatchController) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateIdle {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.state = StateRunning

	go func() {
		defer close(b.done)
		defer cancel()
		summary, state, err := b.run(runCtx)

		b.mu.Lock()
		b.summary, b.err, b.state = summary, err, state
		b.mu.Unlock()
	}()
	return nil
}

// Wait blocks until the campaign finishes and returns its summary
func (b *BatchController) Wait() (*model.CampaignSummary, error) {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done == nil {
		return nil, ErrNotStarted
	}

	<-done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary, b.err
}

// Run starts the campaign and waits for it
func (b *BatchController) Run(ctx context.Context) (*model.CampaignSummary, error) {
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return b.Wait()
}

// Cancel requests cooperative cancellation. An in-flight send is allowed
// to finish; everything not yet started is recorded as not attempted.
func (b *BatchController) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateRunning {
		return
	}
	b.state = StateCancelling
	b.cancel()
}

type abortCause struct {
	class  model.FailureClass
	reason string
}

func (b *BatchController) run(ctx context.Context) (*model.CampaignSummary, State, error) {
	c := b.campaign
	total := len(c.Recipients)
	b.log.Info().
		Int("recipients", total).
		Str("transport", b.transport.Name()).
		Dur("delay", c.Delay).
		Int("max_retries", c.MaxRetries).
		Msg("campaign started")

	var (
		abort     *abortCause
		cancelled bool
		counts    model.Progress
	)

	if p, ok := b.transport.(email.Preflighter); ok {
		if err := p.Preflight(context.WithoutCancel(ctx)); err != nil {
			if email.AbortsCampaign(err) {
				abort = causeOf(err)
				b.log.Error().Err(err).Msg("preflight failed, campaign aborted")
			} else {
				b.log.Warn().Err(err).Msg("preflight failed")
			}
		}
	}

	for i, rcpt := range c.Recipients {
		seq := i + 1

		var entry evidence.Entry
		switch {
		case abort != nil:
			entry = notAttempted(seq, rcpt, model.FailureAborted, abort.reason)
		case ctx.Err() != nil:
			cancelled = true
			entry = notAttempted(seq, rcpt, model.FailureCancelled, "campaign cancelled")
		default:
			var cause *abortCause
			entry, cause = b.process(ctx, seq, rcpt)
			if cause != nil {
				abort = cause
				b.log.Error().Int("seq", seq).Str("reason", cause.reason).Msg("campaign aborted")
			}
			if entry.FailureClass == model.FailureCancelled {
				cancelled = true
			}
		}

		b.record(ctx, entry, total, &counts)

		if seq < total && abort == nil && ctx.Err() == nil {
			// interrupted waits are picked up at the top of the loop
			_ = b.sleep(ctx, c.Delay)
		}
	}

	state := StateCompleted
	var abortReason string
	switch {
	case abort != nil:
		state = StateFatallyAborted
		abortReason = abort.reason
	case cancelled:
		state = StateCancelled
	}

	summary, err := b.recorder.Finalize(context.WithoutCancel(ctx), string(state), abortReason)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to write campaign summary")
	}
	b.log.Info().Str("state", string(state)).Msg("campaign finished")
	return summary, state, err
}

// process renders, builds and sends one recipient's message. A non-nil
// cause means the campaign must stop; the entry then describes this
// recipient as not attempted.
func (b *BatchController) process(ctx context.Context, seq int, rcpt model.Recipient) (evidence.Entry, *abortCause) {
	c := b.campaign
	entry := evidence.Entry{Seq: seq, Email: rcpt.Email}

	content, err := b.renderer.Render(c.Template, rcpt)
	if err != nil {
		entry.Outcome = model.OutcomeFatal
		entry.FailureClass = model.FailureCompose
		if errors.Is(err, render.ErrMissingField) {
			entry.FailureClass = model.FailureMissingField
		}
		entry.Reason = err.Error()
		b.log.Warn().Err(err).Int("seq", seq).Str("email", rcpt.Email).Msg("render failed")
		return entry, nil
	}

	msg, err := b.composer.Compose(email.Draft{
		CampaignID:  c.ID,
		Seq:         seq,
		Recipient:   rcpt,
		Content:     content,
		Attachments: c.Template.Attachments,
		Date:        b.now(),
	})
	if err != nil {
		entry.Outcome = model.OutcomeFatal
		entry.FailureClass = model.FailureCompose
		entry.Reason = err.Error()
		b.log.Warn().Err(err).Int("seq", seq).Str("email", rcpt.Email).Msg("compose failed")
		return entry, nil
	}
	entry.Message = msg

	maxAttempts := c.MaxRetries + 1
	for n := 1; ; n++ {
		// never cut a provider call short; cancellation is checked between attempts
		receipt, err := b.transport.Send(context.WithoutCancel(ctx), msg)
		attempt := model.SendAttempt{Number: n, At: b.now().UTC()}

		if err == nil {
			attempt.Outcome = model.OutcomeSuccess
			attempt.ProviderMessageID = receipt.ProviderMessageID
			entry.Attempts = append(entry.Attempts, attempt)
			entry.Outcome = model.OutcomeSuccess
			entry.ProviderMessageID = receipt.ProviderMessageID
			entry.ProviderResponse = receipt.Response
			// an earlier retryable failure may also have been delivered
			entry.Ambiguous = n > 1
			b.log.Attempt(seq, rcpt.Email, n, string(attempt.Outcome), nil)
			return entry, nil
		}

		attempt.Reason = err.Error()
		retryable, hint := email.IsRetryable(err)
		attempt.RetryAfter = hint

		switch {
		case email.AbortsCampaign(err):
			attempt.Outcome = model.OutcomeFatal
			entry.Attempts = append(entry.Attempts, attempt)
			b.log.Attempt(seq, rcpt.Email, n, string(attempt.Outcome), err)

			cause := causeOf(err)
			entry.FailureClass = cause.class
			entry.Reason = cause.reason
			if n > 1 {
				// earlier attempts reached the provider and may have been delivered
				entry.Outcome = model.OutcomeFatal
				entry.Ambiguous = true
			} else {
				entry.Outcome = model.OutcomeNotAttempted
				entry.Message = nil
			}
			return entry, cause

		case !retryable:
			attempt.Outcome = model.OutcomeFatal
			entry.Attempts = append(entry.Attempts, attempt)
			entry.Outcome = model.OutcomeFatal
			entry.FailureClass = model.FailureTransportFatal
			entry.Reason = err.Error()
			entry.Ambiguous = n > 1
			b.log.Attempt(seq, rcpt.Email, n, string(attempt.Outcome), err)
			return entry, nil

		case n >= maxAttempts:
			attempt.Outcome = model.OutcomeFatal
			entry.Attempts = append(entry.Attempts, attempt)
			entry.Outcome = model.OutcomeFatal
			entry.FailureClass = model.FailureRetriesExhausted
			entry.Reason = fmt.Sprintf("gave up after %d attempts: %v", n, err)
			entry.Ambiguous = true
			b.log.Attempt(seq, rcpt.Email, n, string(attempt.Outcome), err)
			return entry, nil
		}

		attempt.Outcome = model.OutcomeRetryable
		entry.Attempts = append(entry.Attempts, attempt)
		b.log.Attempt(seq, rcpt.Email, n, string(attempt.Outcome), err)

		wait := backoff(c.RetryDelay, hint, n)
		if err := b.sleep(ctx, wait); err != nil {
			entry.Outcome = model.OutcomeFatal
			entry.FailureClass = model.FailureCancelled
			entry.Reason = "campaign cancelled between attempts"
			entry.Ambiguous = true
			return entry, nil
		}
	}
}

func (b *BatchController) record(ctx context.Context, entry evidence.Entry, total int, counts *model.Progress) {
	rec, err := b.recorder.Record(context.WithoutCancel(ctx), entry)
	if err != nil {
		b.log.Error().Err(err).Int("seq", entry.Seq).Msg("evidence not persisted")
	}
	if rec == nil {
		return
	}

	switch rec.Outcome {
	case model.OutcomeSuccess:
		counts.Sent++
	case model.OutcomeNotAttempted:
		counts.Skipped++
	default:
		counts.Failed++
	}

	if b.onProgress != nil {
		b.onProgress(model.Progress{
			CampaignID: b.campaign.ID,
			Index:      entry.Seq,
			Total:      total,
			Email:      rec.Email,
			Outcome:    rec.Outcome,
			Sent:       counts.Sent,
			Failed:     counts.Failed,
			Skipped:    counts.Skipped,
		})
	}
}

func causeOf(err error) *abortCause {
	class := model.FailureQuotaExhausted
	if errors.Is(err, auth.ErrReauthRequired) {
		class = model.FailureReauthRequired
	}
	return &abortCause{class: class, reason: err.Error()}
}

func notAttempted(seq int, rcpt model.Recipient, class model.FailureClass, reason string) evidence.Entry {
	return evidence.Entry{
		Seq:          seq,
		Email:        rcpt.Email,
		Outcome:      model.OutcomeNotAttempted,
		FailureClass: class,
		Reason:       reason,
	}
}

// backoff doubles base per attempt and honors a larger provider hint
func backoff(base, hint time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	if hint > d {
		d = hint
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
