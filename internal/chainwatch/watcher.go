// Package chainwatch polls the chain for escrow lifecycle events. It
// discovers escrow instances from the factory's creation logs, issues a
// one-time code whenever requirements are set for a seller, and keeps a
// cursor over block windows so an RPC failure replays the same window rather
// than skipping it. Handlers are idempotent under replay: issuing again just
// overwrites the credential with a fresh code.
package chainwatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"haleoracle/internal/credential"
	"haleoracle/internal/notify"
	"haleoracle/internal/platform/metrics"
	"haleoracle/pkg/platform/sentinel"
)

// fallbackScanDepth bounds the backward scan used when the watcher has not
// yet observed a seller's requirements event.
const fallbackScanDepth = 1000

// Watcher is the long-lived polling daemon.
type Watcher struct {
	chain    ChainReader
	factory  common.Address
	store    credential.Store
	sender   notify.Sender
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	frontend string

	pollInterval time.Duration
	errorBackoff time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	escrows  map[common.Address]struct{}
	lastSeen uint64
}

// Option configures the Watcher.
type Option func(*Watcher)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

func WithErrorBackoff(d time.Duration) Option {
	return func(w *Watcher) { w.errorBackoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

func New(chain ChainReader, factory common.Address, store credential.Store, sender notify.Sender, frontendBaseURL string, opts ...Option) *Watcher {
	w := &Watcher{
		chain:        chain,
		factory:      factory,
		store:        store,
		sender:       sender,
		logger:       slog.Default(),
		tracer:       otel.Tracer("haleoracle/chainwatch"),
		frontend:     strings.TrimSuffix(frontendBaseURL, "/"),
		pollInterval: 10 * time.Second,
		errorBackoff: 10 * time.Second,
		now:          time.Now,
		escrows:      make(map[common.Address]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until the context is cancelled. Any error inside a window is
// logged and the same window is retried after a fixed backoff; the loop never
// crashes the process.
func (w *Watcher) Run(ctx context.Context) error {
	for w.lastSeen == 0 {
		head, err := w.chain.BlockNumber(ctx)
		if err == nil {
			w.lastSeen = head
			w.logger.Info("watcher started", "from_block", head, "factory", w.factory.Hex())
			break
		}
		w.logger.Error("watcher cannot read chain head", "error", err)
		if !w.sleep(ctx, w.errorBackoff) {
			return ctx.Err()
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.scanWindow(ctx); err != nil {
			w.logger.Error("watcher window failed, will retry", "from_block", w.lastSeen, "error", err)
			if w.metrics != nil {
				w.metrics.WatcherErrors.Inc()
			}
			if !w.sleep(ctx, w.errorBackoff) {
				return ctx.Err()
			}
			continue
		}
		if !w.sleep(ctx, w.pollInterval) {
			return ctx.Err()
		}
	}
}

// scanWindow processes [lastSeen, head] and advances the cursor only on full
// success. Discovery runs before the requirements scan so escrows created in
// this window are visible to it.
func (w *Watcher) scanWindow(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "chainwatch.scanWindow")
	defer span.End()

	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	from, to := w.lastSeen, head

	if err := w.discoverEscrows(ctx, from, to); err != nil {
		return err
	}

	escrows := w.escrowList()
	if len(escrows) > 0 {
		if err := w.scanRequirements(ctx, from, to, escrows); err != nil {
			return err
		}
		if err := w.scanDeliveries(ctx, from, to, escrows); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.lastSeen = head + 1
	w.mu.Unlock()
	return nil
}

func (w *Watcher) discoverEscrows(ctx context.Context, from, to uint64) error {
	logs, err := w.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.factory},
		Topics:    [][]common.Hash{{EscrowCreatedTopic}},
	})
	if err != nil {
		return fmt.Errorf("query EscrowCreated logs: %w", err)
	}

	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		escrow := common.BytesToAddress(l.Topics[1].Bytes())
		owner := common.BytesToAddress(l.Topics[2].Bytes())

		w.mu.Lock()
		_, known := w.escrows[escrow]
		w.escrows[escrow] = struct{}{}
		w.mu.Unlock()

		if !known {
			w.logger.Info("new escrow discovered",
				"escrow", escrow.Hex(),
				"owner", owner.Hex(),
				"block", l.BlockNumber,
			)
			if w.metrics != nil {
				w.metrics.EscrowsDiscovered.Inc()
			}
		}
	}
	return nil
}

func (w *Watcher) scanRequirements(ctx context.Context, from, to uint64, escrows []common.Address) error {
	logs, err := w.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: escrows,
		Topics:    [][]common.Hash{{RequirementsSetTopic}},
	})
	if err != nil {
		return fmt.Errorf("query ContractRequirementsSet logs: %w", err)
	}

	for _, l := range logs {
		ev, err := DecodeRequirements(l)
		if err != nil {
			w.logger.Error("skipping undecodable requirements log",
				"escrow", l.Address.Hex(),
				"block", l.BlockNumber,
				"error", err,
			)
			continue
		}
		if _, err := w.issueAndNotify(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// scanDeliveries logs on-chain submissions for observability only. The
// off-chain submission API is the channel that triggers the pipeline because
// it is the one carrying the one-time code.
func (w *Watcher) scanDeliveries(ctx context.Context, from, to uint64, escrows []common.Address) error {
	logs, err := w.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: escrows,
		Topics:    [][]common.Hash{{DeliverySubmittedTopic}},
	})
	if err != nil {
		return fmt.Errorf("query DeliverySubmitted logs: %w", err)
	}

	for _, l := range logs {
		if len(l.Topics) < 2 {
			continue
		}
		seller := common.BytesToAddress(l.Topics[1].Bytes())
		w.logger.Info("on-chain delivery observed (advisory)",
			"escrow", l.Address.Hex(),
			"seller", seller.Hex(),
			"block", l.BlockNumber,
		)
		if w.metrics != nil {
			w.metrics.OnChainDeliveries.Inc()
		}
	}
	return nil
}

// issueAndNotify overwrites the seller's credential with a fresh code and
// notifies the contact channel when one was provided. Last write wins; an
// unconsumed earlier code is silently invalidated, which also makes window
// replay safe.
func (w *Watcher) issueAndNotify(ctx context.Context, ev RequirementsEvent) (credential.Record, error) {
	code, err := credential.GenerateCode()
	if err != nil {
		return credential.Record{}, err
	}

	rec := credential.Record{
		Subject:       credential.NormalizeSubject(ev.Seller.Hex()),
		Code:          code,
		EscrowAddress: ev.Escrow.Hex(),
		Requirements:  ev.Requirements,
		Contact:       strings.TrimSpace(ev.Contact),
		IssuedAt:      w.now(),
	}
	if err := w.store.Issue(ctx, rec); err != nil {
		return credential.Record{}, fmt.Errorf("issue credential: %w", err)
	}
	if w.metrics != nil {
		w.metrics.CredentialsIssued.Inc()
	}

	link := w.SubmissionLink(rec)
	w.logger.Info("credential issued",
		"seller", rec.Subject,
		"escrow", rec.EscrowAddress,
		"expires_at", rec.ExpiresAt(),
	)

	if !notify.HasContact(rec.Contact) {
		w.logger.Info("no contact channel, share link manually", "seller", rec.Subject, "link", link)
		return rec, nil
	}

	msg := fmt.Sprintf("HALE Oracle delivery request\n\nEscrow: %s\nYour one-time code: %s\n\nSubmit at: %s",
		rec.EscrowAddress, rec.Code, link)
	if err := w.sender.Send(ctx, rec.Contact, msg); err != nil {
		// Notification failure must not fail the window; the link endpoint
		// remains available to the seller.
		w.logger.Error("credential notification failed", "seller", rec.Subject, "error", err)
		if w.metrics != nil {
			w.metrics.NotificationsSent.WithLabelValues("error").Inc()
		}
	} else if w.metrics != nil {
		w.metrics.NotificationsSent.WithLabelValues("ok").Inc()
	}
	return rec, nil
}

// EnsureCredential is the on-demand path for sellers the loop has not served
// yet. With a transaction hash it scans that receipt for the requirements
// event; otherwise it walks the recent blocks of the escrow. Both paths issue
// through the same overwrite-and-notify routine as the loop, so re-running is
// harmless.
func (w *Watcher) EnsureCredential(ctx context.Context, escrow common.Address, seller common.Address, txHash string) (credential.Record, error) {
	ctx, span := w.tracer.Start(ctx, "chainwatch.EnsureCredential")
	defer span.End()

	if txHash != "" {
		return w.ensureFromReceipt(ctx, escrow, seller, txHash)
	}
	return w.ensureFromScan(ctx, escrow, seller)
}

func (w *Watcher) ensureFromReceipt(ctx context.Context, escrow, seller common.Address, txHash string) (credential.Record, error) {
	txHash = strings.TrimSpace(txHash)
	if !strings.HasPrefix(txHash, "0x") {
		txHash = "0x" + txHash
	}
	receipt, err := w.chain.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return credential.Record{}, fmt.Errorf("fetch receipt %s: %w", txHash, err)
	}

	want := credential.NormalizeSubject(seller.Hex())
	for _, l := range receipt.Logs {
		if len(l.Topics) < 2 || l.Topics[0] != RequirementsSetTopic {
			continue
		}
		if escrow != (common.Address{}) && l.Address != escrow {
			continue
		}
		ev, err := DecodeRequirements(*l)
		if err != nil {
			w.logger.Error("skipping undecodable receipt log", "tx", txHash, "error", err)
			continue
		}
		if credential.NormalizeSubject(ev.Seller.Hex()) != want {
			continue
		}
		return w.issueAndNotify(ctx, ev)
	}
	return credential.Record{}, sentinel.ErrNotFound
}

func (w *Watcher) ensureFromScan(ctx context.Context, escrow, seller common.Address) (credential.Record, error) {
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return credential.Record{}, fmt.Errorf("read chain head: %w", err)
	}
	from := uint64(0)
	if head > fallbackScanDepth {
		from = head - fallbackScanDepth
	}

	logs, err := w.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{escrow},
		Topics:    [][]common.Hash{{RequirementsSetTopic}},
	})
	if err != nil {
		return credential.Record{}, fmt.Errorf("fallback log scan: %w", err)
	}

	want := credential.NormalizeSubject(seller.Hex())
	// Newest first so the freshest requirements win.
	for i := len(logs) - 1; i >= 0; i-- {
		ev, err := DecodeRequirements(logs[i])
		if err != nil {
			continue
		}
		if credential.NormalizeSubject(ev.Seller.Hex()) != want {
			continue
		}
		return w.issueAndNotify(ctx, ev)
	}
	return credential.Record{}, sentinel.ErrNotFound
}

// SubmissionLink builds the frontend URL a seller uses to submit.
func (w *Watcher) SubmissionLink(rec credential.Record) string {
	return SubmissionLink(w.frontend, rec)
}

// SubmissionLink renders the frontend submission URL for a record. Exposed
// for callers that issue codes without a running watcher.
func SubmissionLink(frontendBaseURL string, rec credential.Record) string {
	return fmt.Sprintf("%s/submit?escrow=%s&seller=%s&otp=%s",
		strings.TrimSuffix(frontendBaseURL, "/"), rec.EscrowAddress, rec.Subject, rec.Code)
}

// TrackedEscrows returns the currently discovered escrow addresses.
func (w *Watcher) TrackedEscrows() []common.Address {
	return w.escrowList()
}

func (w *Watcher) escrowList() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]common.Address, 0, len(w.escrows))
	for a := range w.escrows {
		out = append(out, a)
	}
	return out
}

// sleep waits for d or context cancellation; it reports false on cancel.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
