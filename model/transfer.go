package model

import "time"

// PendingTransfer mirrors the ledger's authoritative record of a custody handoff.
type PendingTransfer struct {
	AssetID          string    `json:"asset_id"`
	Proposer         string    `json:"proposer"`
	Recipient        string    `json:"recipient"`
	ProposedNewState string    `json:"proposed_new_state"`
	InitiatedAt      time.Time `json:"initiated_at"`
	IsActive         bool      `json:"is_active"`
}

// ExpiresAt is the instant the transfer stops being acceptable.
func (p PendingTransfer) ExpiresAt(window time.Duration) time.Time {
	return p.InitiatedAt.Add(window)
}

// SameInstance reports whether two records describe the same initiation.
func (p PendingTransfer) SameInstance(o PendingTransfer) bool {
	return p.AssetID == o.AssetID && p.Proposer == o.Proposer && p.Recipient == o.Recipient && p.InitiatedAt.Equal(o.InitiatedAt)
}

type TransferState string

const (
	StateNone                      TransferState = "none"
	StatePendingOutgoing           TransferState = "pending_outgoing"
	StatePendingIncoming           TransferState = "pending_incoming"
	StateLocallyExpiredUnconfirmed TransferState = "locally_expired_unconfirmed"
	StateAccepted                  TransferState = "accepted"
	StateRejected                  TransferState = "rejected"
	StateCancelled                 TransferState = "cancelled"
	StateExpired                   TransferState = "expired"
)

func (s TransferState) IsPending() bool {
	return s == StatePendingOutgoing || s == StatePendingIncoming
}

// Role is the actor's relationship to the current or last transfer.
type Role string

const (
	RoleProposer  Role = "proposer"
	RoleRecipient Role = "recipient"
	RoleObserver  Role = "observer"
	RoleNone      Role = "none"
)

// TransferView is the read-only transfer state handed to presentation.
type TransferView struct {
	AssetID        string           `json:"asset_id"`
	Actor          string           `json:"actor,omitempty"`
	Role           Role             `json:"role"`
	State          TransferState    `json:"state"`
	Transfer       *PendingTransfer `json:"transfer,omitempty"`
	TimeRemaining  *time.Duration   `json:"time_remaining,omitempty"`
	TerminalReason string           `json:"terminal_reason,omitempty"`
	Diverged       bool             `json:"diverged"`
	DivergenceNote string           `json:"divergence_note,omitempty"`
	ReconciledAt   time.Time        `json:"reconciled_at"`
}

type TransferAction string

const (
	ActionInitiate TransferAction = "initiate_transfer"
	ActionAccept   TransferAction = "accept_transfer"
	ActionReject   TransferAction = "reject_transfer"
	ActionCancel   TransferAction = "cancel_transfer"
)

// Submission is a signed state-changing request for the Transaction Submission Service.
type Submission struct {
	Action         TransferAction         `json:"action"`
	AssetID        string                 `json:"asset_id"`
	Signer         string                 `json:"signer"`
	Params         map[string]interface{} `json:"params"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// SubmissionHandle identifies an accepted submission. Completion is observed on the ledger.
type SubmissionHandle struct {
	Handle         string    `json:"handle"`
	IdempotencyKey string    `json:"idempotency_key"`
	SubmittedAt    time.Time `json:"submitted_at"`
}
