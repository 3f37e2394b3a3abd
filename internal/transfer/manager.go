// Package transfer drives the risk-gated send workflow.
//
// A workflow moves EDITING → ANALYZING → SAFE or UNSAFE → SUBMITTING →
// SUBMITTED or FAILED, with CANCELLED reachable from any non-terminal
// state. Submission is only ever issued from SAFE, and SAFE is only
// reachable through a safe verdict bound to the exact recipient under
// review at the moment the verdict arrived.
package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/sendguard/sendguard/internal/history"
	"github.com/sendguard/sendguard/internal/idgen"
	"github.com/sendguard/sendguard/internal/ledger"
	"github.com/sendguard/sendguard/internal/metrics"
	"github.com/sendguard/sendguard/internal/notify"
	"github.com/sendguard/sendguard/internal/risk"
	"github.com/sendguard/sendguard/internal/session"
	"github.com/sendguard/sendguard/internal/syncutil"
	"github.com/sendguard/sendguard/internal/traces"
	"github.com/sendguard/sendguard/internal/validation"

	btcamount "github.com/sendguard/sendguard/internal/btc"
)

// Sessions exposes the current authenticated session.
type Sessions interface {
	Current() (*session.Session, bool)
}

// Provisioner guarantees the principal's receiving address exists before a
// workflow opens.
type Provisioner interface {
	EnsureReceivingAddress(ctx context.Context) (string, error)
}

// Broadcaster announces workflow state changes to live subscribers.
type Broadcaster interface {
	BroadcastTransferState(workflowID, state string, detail map[string]any)
}

// Edit carries field changes for a workflow. Nil fields are untouched.
type Edit struct {
	Recipient *string `json:"recipient"`
	Amount    *string `json:"amount"`
}

// Manager owns all open workflows. Caller intents on one workflow are
// serialized through a per-key lock; analysis and submission completions
// synchronize on the workflow itself.
type Manager struct {
	sessions    Sessions
	provisioner Provisioner
	analyzer    risk.Analyzer
	wallet      ledger.Wallet
	recorder    *history.Recorder
	emitter     *notify.Emitter
	broadcast   Broadcaster
	params      *chaincfg.Params
	logger      *slog.Logger

	analyzeTimeout time.Duration
	submitTimeout  time.Duration

	intents   *syncutil.ContextShardedMutex
	workflows *registry
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmitter sets the webhook emitter.
func WithEmitter(e *notify.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithBroadcaster sets the live event broadcaster.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Manager) { m.broadcast = b }
}

// WithRecorder sets the activity recorder.
func WithRecorder(r *history.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithTimeouts sets the default analysis and submission deadlines, used
// when the caller does not supply one.
func WithTimeouts(analyze, submit time.Duration) Option {
	return func(m *Manager) {
		m.analyzeTimeout = analyze
		m.submitTimeout = submit
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a workflow manager.
func NewManager(sessions Sessions, provisioner Provisioner, analyzer risk.Analyzer, wallet ledger.Wallet, params *chaincfg.Params, opts ...Option) *Manager {
	m := &Manager{
		sessions:       sessions,
		provisioner:    provisioner,
		analyzer:       analyzer,
		wallet:         wallet,
		params:         params,
		logger:         slog.Default(),
		analyzeTimeout: 30 * time.Second,
		submitTimeout:  120 * time.Second,
		intents:        syncutil.NewContextShardedMutex(),
		workflows:      newRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts a new workflow for the current session. The receiving
// address must be fully provisioned first; an unprovisioned identity never
// gets a send workflow.
func (m *Manager) Open(ctx context.Context) (*View, error) {
	sess, ok := m.sessions.Current()
	if !ok {
		return nil, authErr("no active session", nil)
	}

	if _, err := m.provisioner.EnsureReceivingAddress(ctx); err != nil {
		return nil, provisioningErr(err)
	}

	w := &workflow{
		id:        idgen.WithPrefix("wf_"),
		principal: sess.Principal,
		state:     StateEditing,
		createdAt: time.Now(),
		updatedAt: time.Now(),
	}

	// Balance snapshot for local amount validation. Best effort: an
	// unreachable wallet service defers the check to submission.
	if balance, err := m.wallet.SpendableBalance(ctx); err == nil {
		w.spendable = balance.Spendable
	} else {
		m.logger.Warn("balance snapshot failed, skipping local check", "error", err)
	}

	m.workflows.put(w)
	metrics.ActiveWorkflows.Inc()

	m.record(ctx, history.Entry{
		Principal:  w.principal,
		Kind:       history.KindTransferOpened,
		WorkflowID: w.id,
	})
	m.announce(w.id, StateEditing, nil)

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view(), nil
}

// Get returns a snapshot of the workflow.
func (m *Manager) Get(id string) (*View, error) {
	w, err := m.workflows.get(id)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view(), nil
}

// ApplyEdit updates recipient and/or amount. Any edit outside EDITING
// drops the attached verdict (and abandons a pending analysis) and returns
// the workflow to EDITING before anything else can happen.
func (m *Manager) ApplyEdit(ctx context.Context, id string, edit Edit) (*View, error) {
	w, unlock, err := m.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.Terminal() || w.state == StateSubmitting {
		return nil, ErrInvalidTransition
	}

	// Parse before mutating so a malformed edit changes nothing.
	var amount, hasAmount = w.amount, false
	if edit.Amount != nil {
		parsed, err := btcamount.Parse(*edit.Amount)
		if err != nil {
			return nil, validationErr(err.Error())
		}
		amount, hasAmount = parsed, true
	}

	if edit.Recipient != nil {
		w.recipient = validation.NormalizeAddress(*edit.Recipient)
	}
	if hasAmount {
		w.amount = amount
	}
	w.lastErr = nil

	if w.state != StateEditing {
		w.invalidateAnalysis()
		w.enterEditing()
		m.announce(w.id, StateEditing, nil)
	} else {
		w.updatedAt = time.Now()
	}
	return w.view(), nil
}

// Analyze runs risk analysis on the current recipient. Validation failures
// are rejected locally without a remote call. The remote call is bounded
// by timeout (the manager default when zero); its verdict is applied only
// if the workflow is still analyzing the same recipient when it arrives;
// otherwise it is discarded and the returned view reflects whatever state
// the workflow moved to in the meantime.
func (m *Manager) Analyze(ctx context.Context, id string, timeout time.Duration) (*View, error) {
	if timeout <= 0 {
		timeout = m.analyzeTimeout
	}

	w, unlock, err := m.claim(ctx, id)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.state != StateEditing {
		w.mu.Unlock()
		unlock()
		return nil, ErrInvalidTransition
	}
	if verr := m.validateInputs(w); verr != nil {
		w.lastErr = verr
		w.mu.Unlock()
		unlock()
		return nil, verr
	}

	w.analysisGen++
	gen := w.analysisGen
	recipient := w.recipient
	actx, cancel := context.WithTimeout(ctx, timeout)
	w.analysisCancel = cancel
	w.lastErr = nil
	w.setState(StateAnalyzing)
	w.mu.Unlock()

	// Release the intent lock before awaiting the analyzer so edits and
	// cancellation stay responsive while analysis is pending.
	unlock()
	m.announce(w.id, StateAnalyzing, map[string]any{"recipient": recipient})

	actx, span := traces.StartSpan(actx, "transfer.analyze",
		traces.WorkflowID(w.id), traces.Recipient(recipient))
	verdict, aerr := m.analyzer.Analyze(actx, recipient)
	if verdict != nil {
		span.SetAttributes(traces.Verdict(string(verdict.Outcome)))
	}
	span.End()
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateAnalyzing || w.analysisGen != gen {
		// The workflow moved on (edit, cancel, logout) while the call was
		// in flight; this result no longer describes anything current.
		return w.view(), nil
	}
	w.analysisCancel = nil

	if aerr != nil {
		w.enterEditing()
		w.lastErr = analysisErr(aerr)
		m.record(ctx, history.Entry{
			Principal:  w.principal,
			Kind:       history.KindAnalysis,
			WorkflowID: w.id,
			Recipient:  recipient,
			Detail:     "error: " + aerr.Error(),
		})
		m.announce(w.id, StateEditing, map[string]any{"error": aerr.Error()})
		return w.view(), nil
	}

	// Verdict binding: the subject must equal the recipient at arrival
	// time. An edit would have bumped the generation, but the analyzer's
	// own normalization is double-checked here rather than trusted.
	if verdict.Address != w.recipient {
		w.enterEditing()
		m.announce(w.id, StateEditing, nil)
		return w.view(), nil
	}

	w.verdict = verdict
	if verdict.Safe() {
		w.setState(StateSafe)
	} else {
		w.setState(StateUnsafe)
		m.emitter.TransferBlocked(ctx, w.principal, w.id, recipient, verdict.Confidence, verdict.Reasons)
		m.record(ctx, history.Entry{
			Principal:  w.principal,
			Kind:       history.KindTransferBlocked,
			WorkflowID: w.id,
			Recipient:  recipient,
			AmountSats: int64(w.amount),
		})
	}
	m.record(ctx, history.Entry{
		Principal:  w.principal,
		Kind:       history.KindAnalysis,
		WorkflowID: w.id,
		Recipient:  recipient,
		Detail:     string(verdict.Outcome),
	})
	m.announce(w.id, w.state, map[string]any{"outcome": string(verdict.Outcome)})
	return w.view(), nil
}

// validateInputs checks recipient and amount locally. Callers must hold
// w.mu.
func (m *Manager) validateInputs(w *workflow) *Error {
	if w.recipient == "" {
		return validationErr("recipient address is required")
	}
	if !validation.IsValidAddress(w.recipient, m.params) {
		return validationErr("recipient is not a valid address for this network")
	}
	if w.amount <= 0 {
		return validationErr("amount must be positive")
	}
	if w.spendable > 0 && w.amount > w.spendable {
		return validationErr("amount exceeds spendable balance")
	}
	return nil
}

// Confirm submits the transfer. Only legal from SAFE with a verdict still
// bound to the current recipient. A second confirm while the submission is
// on the wire is a no-op. Once dispatched, the remote call is never
// locally cancelled: it is bounded by timeout, and its outcome is always
// awaited and applied, even if the caller goes away.
func (m *Manager) Confirm(ctx context.Context, id string, timeout time.Duration) (*View, error) {
	if timeout <= 0 {
		timeout = m.submitTimeout
	}

	w, unlock, err := m.claim(ctx, id)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	switch {
	case w.state == StateSubmitting:
		// Already on the wire; exactly one submission per transition.
		v := w.view()
		w.mu.Unlock()
		unlock()
		return v, nil
	case w.state != StateSafe:
		w.mu.Unlock()
		unlock()
		return nil, ErrInvalidTransition
	}
	if w.verdict == nil || !w.verdict.Safe() || w.verdict.Address != w.recipient {
		w.enterEditing()
		w.mu.Unlock()
		unlock()
		m.announce(id, StateEditing, nil)
		return nil, validationErr("safe verdict no longer matches the recipient")
	}

	sub := ledger.Submission{Recipient: w.recipient, Amount: w.amount}
	w.setState(StateSubmitting)
	w.mu.Unlock()
	unlock()

	m.announce(w.id, StateSubmitting, nil)

	// Detach from the caller: a dropped connection must not abort a
	// submission that may already be reaching the chain.
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	subCtx, span := traces.StartSpan(subCtx, "transfer.submit",
		traces.WorkflowID(w.id), traces.Recipient(sub.Recipient))
	receipt, serr := m.wallet.Submit(subCtx, sub)
	span.End()
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if serr == nil {
		w.txID = receipt.TxID
		w.cancelPending = false
		w.setState(StateSubmitted)
		metrics.TransfersTotal.WithLabelValues("submitted").Inc()
		metrics.ActiveWorkflows.Dec()
		m.record(ctx, history.Entry{
			Principal:  w.principal,
			Kind:       history.KindTransferSent,
			WorkflowID: w.id,
			Recipient:  sub.Recipient,
			AmountSats: int64(sub.Amount),
			TxID:       receipt.TxID,
		})
		m.emitter.TransferSubmitted(ctx, w.principal, w.id, sub.Recipient, receipt.TxID, sub.Amount)
		m.announce(w.id, StateSubmitted, map[string]any{"txId": receipt.TxID})
		return w.view(), nil
	}

	failure := submissionErr(serr)
	w.lastErr = failure

	switch {
	case w.cancelPending:
		// A cancel arrived mid-submission; the outcome lost, so honor it.
		w.cancelPending = false
		w.verdict = nil
		w.setState(StateCancelled)
		metrics.TransfersTotal.WithLabelValues("cancelled").Inc()
		metrics.ActiveWorkflows.Dec()
		m.record(ctx, history.Entry{
			Principal:  w.principal,
			Kind:       history.KindTransferCancel,
			WorkflowID: w.id,
		})
		m.announce(w.id, StateCancelled, nil)
	case !failure.Retryable:
		// Permanent rejection: the verdict authorized a transfer the
		// remote side will never accept, so it is discarded with it.
		w.enterEditing()
		m.recordFailure(ctx, w, sub.Recipient, failure)
	default:
		w.setState(StateFailed)
		m.recordFailure(ctx, w, sub.Recipient, failure)
	}
	return w.view(), nil
}

func (m *Manager) recordFailure(ctx context.Context, w *workflow, recipient string, failure *Error) {
	m.record(ctx, history.Entry{
		Principal:  w.principal,
		Kind:       history.KindTransferFailed,
		WorkflowID: w.id,
		Recipient:  recipient,
		Detail:     failure.Message,
	})
	m.emitter.TransferFailed(ctx, w.principal, w.id, recipient, failure.Message, failure.Retryable)
	m.announce(w.id, w.state, map[string]any{"error": failure.Message, "retryable": failure.Retryable})
}

// Retry re-arms a FAILED workflow for another submission attempt. The
// stored verdict is reused as long as it still matches the recipient, so
// no re-analysis is needed; otherwise the workflow falls back to EDITING.
func (m *Manager) Retry(ctx context.Context, id string) (*View, error) {
	w, unlock, err := m.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateFailed {
		return nil, ErrInvalidTransition
	}
	if w.verdict != nil && w.verdict.Safe() && w.verdict.Address == w.recipient {
		w.lastErr = nil
		w.setState(StateSafe)
	} else {
		w.enterEditing()
	}
	m.announce(w.id, w.state, nil)
	return w.view(), nil
}

// Cancel closes the workflow. A pending analysis is discarded. If a
// submission is on the wire the cancellation is deferred until its outcome
// is applied; a successful submission cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (*View, error) {
	w, unlock, err := m.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	m.cancelLocked(ctx, w)
	return w.view(), nil
}

// cancelLocked applies cancellation. Callers must hold w.mu.
func (m *Manager) cancelLocked(ctx context.Context, w *workflow) {
	switch {
	case w.state.Terminal():
		// Nothing to do.
	case w.state == StateSubmitting:
		w.cancelPending = true
	default:
		w.invalidateAnalysis()
		w.verdict = nil
		w.setState(StateCancelled)
		metrics.TransfersTotal.WithLabelValues("cancelled").Inc()
		metrics.ActiveWorkflows.Dec()
		m.record(ctx, history.Entry{
			Principal:  w.principal,
			Kind:       history.KindTransferCancel,
			WorkflowID: w.id,
		})
		m.announce(w.id, StateCancelled, nil)
	}
}

// CancelAll force-closes every open workflow. Wired to session
// invalidation: logout abandons pending analyses immediately, while
// in-flight submissions are still awaited before their cancellation lands.
func (m *Manager) CancelAll() {
	ctx := context.Background()
	for _, w := range m.workflows.all() {
		w.mu.Lock()
		m.cancelLocked(ctx, w)
		w.mu.Unlock()
	}
}

// claim looks up the workflow and takes its intent lock.
func (m *Manager) claim(ctx context.Context, id string) (*workflow, func(), error) {
	w, err := m.workflows.get(id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := m.intents.LockContext(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return w, unlock, nil
}

func (m *Manager) record(ctx context.Context, e history.Entry) {
	if m.recorder != nil {
		m.recorder.Record(ctx, e)
	}
}

func (m *Manager) announce(id string, state State, detail map[string]any) {
	if m.broadcast != nil {
		m.broadcast.BroadcastTransferState(id, string(state), detail)
	}
}
