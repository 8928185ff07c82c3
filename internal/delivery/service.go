package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"haleoracle/internal/audit"
	"haleoracle/internal/credential"
	"haleoracle/internal/judge"
	"haleoracle/internal/lockout"
	"haleoracle/internal/notify"
	"haleoracle/internal/platform/metrics"
	"haleoracle/internal/sandbox"
)

// Runner executes untrusted delivered code. *sandbox.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, content string) sandbox.Result
}

// Service is the delivery pipeline.
type Service struct {
	store       Store
	credentials credential.Store
	guard       *lockout.Guard
	verifier    judge.Verifier
	runner      Runner
	sender      notify.Sender
	publisher   audit.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	// async controls whether processing runs in a goroutine after Submit
	// returns. Tests flip it off to assert on the terminal state directly.
	async bool
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSynchronousProcessing makes Submit block until the verdict is recorded.
func WithSynchronousProcessing() Option {
	return func(s *Service) { s.async = false }
}

func NewService(store Store, credentials credential.Store, guard *lockout.Guard, verifier judge.Verifier, runner Runner, sender notify.Sender, publisher audit.Publisher, opts ...Option) *Service {
	s := &Service{
		store:       store,
		credentials: credentials,
		guard:       guard,
		verifier:    verifier,
		runner:      runner,
		sender:      sender,
		publisher:   publisher,
		logger:      slog.Default(),
		tracer:      otel.Tracer("haleoracle/delivery"),
		now:         time.Now,
		async:       true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitRequest is one off-chain delivery attempt.
type SubmitRequest struct {
	Seller  string
	Code    string
	Content string
}

// Submit spends the one-time code and accepts the delivery for judgment.
// Validation failures pass through the store's sentinel errors so the
// transport can map them; each failure also records a lockout strike.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Pending, error) {
	subject := credential.NormalizeSubject(req.Seller)

	if err := s.guard.Check(subject); err != nil {
		return Pending{}, err
	}

	rec, err := s.credentials.ValidateAndConsume(ctx, subject, strings.TrimSpace(req.Code))
	if err != nil {
		s.guard.RecordFailure(subject)
		return Pending{}, err
	}
	s.guard.Clear(subject)

	pending := Pending{
		TransactionID: newTransactionID(subject, s.now()),
		Subject:       subject,
		EscrowAddress: rec.EscrowAddress,
		Content:       req.Content,
		SubmittedAt:   s.now(),
	}
	if err := s.store.PutPending(ctx, pending); err != nil {
		return Pending{}, fmt.Errorf("record pending delivery: %w", err)
	}
	if s.metrics != nil {
		s.metrics.DeliveriesSubmitted.Inc()
	}
	s.logger.Info("delivery accepted",
		"transaction_id", pending.TransactionID,
		"seller", subject,
		"escrow", rec.EscrowAddress,
	)

	if s.async {
		// Detach from the request context so an impatient client cannot
		// abort judgment halfway through.
		go s.process(context.WithoutCancel(ctx), rec, pending)
	} else {
		s.process(ctx, rec, pending)
	}
	return pending, nil
}

// process runs judgment and the safeguards, then records the terminal
// verdict. A panic anywhere inside becomes an ERROR verdict; the pending
// entry and any leftover credential state are cleared on every path.
func (s *Service) process(ctx context.Context, rec credential.Record, pending Pending) {
	ctx, span := s.tracer.Start(ctx, "delivery.process")
	defer span.End()
	started := s.now()

	defer func() {
		_ = s.store.DeletePending(ctx, pending.Subject)
		_ = s.credentials.Consume(ctx, pending.Subject)
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("delivery processing panicked",
				"transaction_id", pending.TransactionID,
				"panic", fmt.Sprint(r),
			)
			s.record(ctx, rec.Contact, Verdict{
				TransactionID: pending.TransactionID,
				Subject:       pending.Subject,
				EscrowAddress: pending.EscrowAddress,
				Verdict:       VerdictError,
				ReleaseFunds:  false,
				Reasoning:     "Internal processing error",
				RiskFlags:     []string{judge.FlagSystemError},
				Timestamp:     s.now(),
			}, started)
		}
	}()

	jv := s.verifier.Verify(ctx, judge.Request{
		TransactionID:      pending.TransactionID,
		ContractTerms:      rec.Requirements,
		AcceptanceCriteria: splitCriteria(rec.Requirements),
		DeliveryContent:    pending.Content,
	})

	verdict := Verdict{
		TransactionID: pending.TransactionID,
		Subject:       pending.Subject,
		EscrowAddress: pending.EscrowAddress,
		Verdict:       jv.Verdict,
		Confidence:    jv.Confidence,
		ReleaseFunds:  jv.ReleaseFunds,
		Reasoning:     jv.Reasoning,
		RiskFlags:     append([]string(nil), jv.RiskFlags...),
		Timestamp:     s.now(),
	}

	// Safeguard 1: a passing verdict on executable content must also survive
	// the sandbox. Runs before the confidence check so a crashing delivery
	// can never be parked for human review.
	if verdict.Verdict == judge.VerdictPass && sandbox.IsExecutable(pending.Content) {
		res := s.runner.Execute(ctx, pending.Content)
		verdict.SandboxOutput = res.Output
		if s.metrics != nil {
			s.metrics.SandboxRuns.WithLabelValues(sandboxResultLabel(res)).Inc()
		}
		if !res.Success {
			s.logger.Info("sandbox overrode passing verdict",
				"transaction_id", pending.TransactionID,
				"sandbox_error", res.Error,
			)
			verdict.Verdict = judge.VerdictFail
			verdict.ReleaseFunds = false
			verdict.Reasoning = fmt.Sprintf("Delivered code failed sandbox execution: %s", res.Error)
			verdict.RiskFlags = append(verdict.RiskFlags, FlagRuntimeError)
		}
	}

	// Safeguard 2: a pass with middling confidence is parked for a human.
	if verdict.Verdict == judge.VerdictPass &&
		verdict.Confidence >= ReviewLowerBound && verdict.Confidence < ReviewUpperBound {
		verdict.Verdict = VerdictPendingReview
		verdict.ReleaseFunds = false
		verdict.RiskFlags = append(verdict.RiskFlags, FlagHumanReview)
	}

	s.record(ctx, rec.Contact, verdict, started)
}

func (s *Service) record(ctx context.Context, contact string, verdict Verdict, started time.Time) {
	if err := s.store.PutVerdict(ctx, verdict); err != nil {
		s.logger.Error("verdict store write failed", "transaction_id", verdict.TransactionID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.Verdicts.WithLabelValues(verdict.Verdict).Inc()
		s.metrics.ProcessingDuration.Observe(s.now().Sub(started).Seconds())
	}
	s.logger.Info("delivery verdict recorded",
		"transaction_id", verdict.TransactionID,
		"verdict", verdict.Verdict,
		"confidence", verdict.Confidence,
		"release_funds", verdict.ReleaseFunds,
	)

	s.publisher.Publish(ctx, audit.Event{
		TransactionID: verdict.TransactionID,
		Subject:       verdict.Subject,
		EscrowAddress: verdict.EscrowAddress,
		Verdict:       verdict.Verdict,
		Confidence:    verdict.Confidence,
		RiskFlags:     verdict.RiskFlags,
		Timestamp:     verdict.Timestamp,
	})

	s.notifyOutcome(ctx, contact, verdict)
}

func (s *Service) notifyOutcome(ctx context.Context, contact string, verdict Verdict) {
	if !notify.HasContact(contact) {
		return
	}
	msg := fmt.Sprintf("Delivery %s for escrow %s: %s (confidence %d)\n%s",
		verdict.TransactionID, verdict.EscrowAddress, verdict.Verdict, verdict.Confidence, verdict.Reasoning)
	if err := s.sender.Send(ctx, contact, msg); err != nil {
		s.logger.Error("verdict notification failed", "transaction_id", verdict.TransactionID, "error", err)
		if s.metrics != nil {
			s.metrics.NotificationsSent.WithLabelValues("error").Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.NotificationsSent.WithLabelValues("ok").Inc()
	}
}

// StatusResponse is the polling view of a seller's latest delivery.
type StatusResponse struct {
	Status  string   `json:"status"`
	Verdict *Verdict `json:"verdict,omitempty"`
}

// Status reports the seller's current pipeline state: processing, the last
// terminal verdict, or sentinel.ErrNotFound when nothing is known.
func (s *Service) Status(ctx context.Context, seller string) (StatusResponse, error) {
	subject := credential.NormalizeSubject(seller)

	if _, err := s.store.GetPending(ctx, subject); err == nil {
		return StatusResponse{Status: StatusProcessing}, nil
	}

	v, err := s.store.VerdictBySubject(ctx, subject)
	if err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{Status: v.Verdict, Verdict: &v}, nil
}

// EscrowStatus is the buyer-side view: the state of whatever delivery is
// associated with an escrow address.
func (s *Service) EscrowStatus(ctx context.Context, escrow string) (StatusResponse, error) {
	key := credential.NormalizeSubject(escrow)

	if _, err := s.store.PendingByEscrow(ctx, key); err == nil {
		return StatusResponse{Status: StatusProcessing}, nil
	}

	v, err := s.store.VerdictByEscrow(ctx, key)
	if err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{Status: v.Verdict, Verdict: &v}, nil
}

func newTransactionID(subject string, now time.Time) string {
	return fmt.Sprintf("delivery_%s_%d_%s", subject, now.Unix(), uuid.NewString()[:8])
}

// splitCriteria turns the free-form requirements text into one criterion per
// non-empty line, falling back to the whole text as a single criterion.
func splitCriteria(requirements string) []string {
	var out []string
	for _, line := range strings.Split(requirements, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{requirements}
	}
	return out
}

func sandboxResultLabel(res sandbox.Result) string {
	if res.Success {
		return "ok"
	}
	if strings.Contains(res.Error, "Security violation") {
		return "violation"
	}
	if res.Error == sandbox.ErrTimedOut {
		return "timeout"
	}
	return "error"
}
