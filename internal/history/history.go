// Package history records wallet activity: provisioning, analyses, and
// transfer outcomes, queryable per principal for the activity view.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/sendguard/sendguard/internal/pagination"
)

var ErrEntryNotFound = errors.New("history: entry not found")

// Kind classifies an activity entry.
type Kind string

const (
	KindProvisioned     Kind = "address_provisioned"
	KindAnalysis        Kind = "analysis"
	KindTransferOpened  Kind = "transfer_opened"
	KindTransferSent    Kind = "transfer_sent"
	KindTransferBlocked Kind = "transfer_blocked"
	KindTransferFailed  Kind = "transfer_failed"
	KindTransferCancel  Kind = "transfer_cancelled"
)

// Entry is one recorded activity item.
type Entry struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	Kind       Kind      `json:"kind"`
	WorkflowID string    `json:"workflowId,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	AmountSats int64     `json:"amountSats,omitempty"`
	TxID       string    `json:"txId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists activity entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// ListByPrincipal returns up to limit entries for the principal, newest
	// first. A non-nil cursor resumes after that position.
	ListByPrincipal(ctx context.Context, principal string, limit int, cursor *pagination.Cursor) ([]*Entry, error)
}
