package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/sendguard/sendguard/internal/btc"
	"github.com/sendguard/sendguard/internal/risk"
)

// State is a workflow state.
type State string

const (
	StateEditing    State = "EDITING"
	StateAnalyzing  State = "ANALYZING"
	StateSafe       State = "SAFE"
	StateUnsafe     State = "UNSAFE"
	StateSubmitting State = "SUBMITTING"
	StateSubmitted  State = "SUBMITTED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSubmitted || s == StateCancelled
}

// workflow is one open send operation. All fields are guarded by mu; the
// manager serializes caller intents per workflow on top of that, so mu only
// protects against the async analysis and submission completions.
type workflow struct {
	mu sync.Mutex

	id        string
	principal string

	recipient string // normalized
	amount    btcutil.Amount

	state   State
	verdict *risk.Verdict
	lastErr *Error
	txID    string

	// analysisGen invalidates in-flight analyses: a verdict is applied
	// only if the generation it was requested under is still current.
	analysisGen    uint64
	analysisCancel context.CancelFunc

	// cancelPending defers a cancellation that arrived while a submission
	// was on the wire; the submission outcome is applied first.
	cancelPending bool

	// spendable is the balance snapshot taken when the workflow opened;
	// zero means unknown and skips the local balance check.
	spendable btcutil.Amount

	createdAt time.Time
	updatedAt time.Time
}

// View is an immutable snapshot of a workflow for callers.
type View struct {
	ID         string        `json:"id"`
	Principal  string        `json:"principal"`
	State      State         `json:"state"`
	Recipient  string        `json:"recipient,omitempty"`
	AmountSats int64         `json:"amountSats,omitempty"`
	AmountBTC  string        `json:"amountBtc,omitempty"`
	Verdict    *risk.Verdict `json:"verdict,omitempty"`
	LastError  *Error        `json:"lastError,omitempty"`
	TxID       string        `json:"txId,omitempty"`
	CanConfirm bool          `json:"canConfirm"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// view snapshots the workflow. Callers must hold mu.
func (w *workflow) view() *View {
	v := &View{
		ID:         w.id,
		Principal:  w.principal,
		State:      w.state,
		Recipient:  w.recipient,
		AmountSats: int64(w.amount),
		LastError:  w.lastErr,
		TxID:       w.txID,
		CanConfirm: w.state == StateSafe,
		CreatedAt:  w.createdAt,
		UpdatedAt:  w.updatedAt,
	}
	if w.amount > 0 {
		v.AmountBTC = btc.Format(w.amount)
	}
	if w.verdict != nil {
		verdict := *w.verdict
		v.Verdict = &verdict
	}
	return v
}

// setState transitions and stamps the update time. Callers must hold mu.
func (w *workflow) setState(s State) {
	w.state = s
	w.updatedAt = time.Now()
}

// enterEditing re-enters EDITING, which always clears any attached verdict.
func (w *workflow) enterEditing() {
	w.verdict = nil
	w.setState(StateEditing)
}

// invalidateAnalysis abandons any in-flight analysis. Its verdict, if one
// ever arrives, will fail the generation check and be discarded.
func (w *workflow) invalidateAnalysis() {
	w.analysisGen++
	if w.analysisCancel != nil {
		w.analysisCancel()
		w.analysisCancel = nil
	}
}
