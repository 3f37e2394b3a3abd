package notify

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/sendguard/sendguard/internal/btc"
)

// Emitter wraps a Dispatcher with typed transfer lifecycle events. Nil
// receivers are safe; all methods are fire-and-forget.
type Emitter struct {
	d *Dispatcher
}

// NewEmitter creates an emitter over d.
func NewEmitter(d *Dispatcher) *Emitter {
	return &Emitter{d: d}
}

func (e *Emitter) emit(ctx context.Context, typ EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	e.d.Emit(ctx, typ, data)
}

// TransferSubmitted emits a transfer.submitted event.
func (e *Emitter) TransferSubmitted(ctx context.Context, principal, workflowID, recipient, txID string, amount btcutil.Amount) {
	e.emit(ctx, EventTransferSubmitted, map[string]any{
		"principal":  principal,
		"workflowId": workflowID,
		"recipient":  recipient,
		"txId":       txID,
		"amountSats": int64(amount),
		"amountBtc":  btc.Format(amount),
	})
}

// TransferBlocked emits a transfer.blocked event for an unsafe verdict.
func (e *Emitter) TransferBlocked(ctx context.Context, principal, workflowID, recipient string, confidence float64, reasons []string) {
	e.emit(ctx, EventTransferBlocked, map[string]any{
		"principal":  principal,
		"workflowId": workflowID,
		"recipient":  recipient,
		"confidence": confidence,
		"reasons":    reasons,
	})
}

// TransferFailed emits a transfer.failed event.
func (e *Emitter) TransferFailed(ctx context.Context, principal, workflowID, recipient, reason string, retryable bool) {
	e.emit(ctx, EventTransferFailed, map[string]any{
		"principal":  principal,
		"workflowId": workflowID,
		"recipient":  recipient,
		"reason":     reason,
		"retryable":  retryable,
	})
}

// AddressProvisioned emits an address.provisioned event.
func (e *Emitter) AddressProvisioned(ctx context.Context, principal, address string) {
	e.emit(ctx, EventAddressProvisioned, map[string]any{
		"principal": principal,
		"address":   address,
	})
}
