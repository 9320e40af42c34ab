// Package provision holds the user-intent record for one bot
// deployment request and the persisted store tracking every request the
// local user has initiated. The store is the one mutable shared
// resource in the system; everything else derives from it, the ledger,
// or the operator API.
package provision

import (
	"time"

	"github.com/tradefleet/fleetd/chain/ethtypes"
)

// Phase is the lifecycle phase of a provision. Transitions are
// monotonic in the order below, except that Failed is reachable from
// any non-terminal phase. Active and Failed are terminal.
type Phase string

const (
	PendingConfirmation Phase = "pending_confirmation"
	JobSubmitted        Phase = "job_submitted"
	JobProcessing       Phase = "job_processing"
	AwaitingSecrets     Phase = "awaiting_secrets"
	Active              Phase = "active"
	Failed              Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PendingConfirmation: 0,
	JobSubmitted:        1,
	JobProcessing:       2,
	AwaitingSecrets:     3,
	Active:              4,
}

func (p Phase) Terminal() bool {
	return p == Active || p == Failed
}

// CanAdvanceTo reports whether a transition from p to next respects
// phase monotonicity.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p == next {
		return true
	}
	if p.Terminal() {
		return false
	}
	if next == Failed {
		return true
	}
	cur, ok := phaseOrder[p]
	if !ok {
		return false
	}
	nxt, ok := phaseOrder[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// PlaceholderVault is written by older deployments in place of a real
// vault address; the reconcile pass treats it the same as unset.
var PlaceholderVault = ethtypes.MustParseAddress("0x000000000000000000000000000000000000dead")

// Provision is one user-initiated deployment request. It is created
// when the user submits a deployment, mutated only by the provision
// manager and the reconcile pass, and removed only on explicit user
// action.
type Provision struct {
	ID           string           `json:"id"`
	Owner        ethtypes.Address `json:"owner"`
	Name         string           `json:"name"`
	StrategyType string           `json:"strategy_type"`
	BlueprintID  uint64           `json:"blueprint_id"`
	ChainID      uint64           `json:"chain_id"`

	TxHash       ethtypes.Hash    `json:"tx_hash,omitempty"`
	ServiceID    *uint64          `json:"service_id,omitempty"`
	CallID       *uint64          `json:"call_id,omitempty"`
	VaultAddress ethtypes.Address `json:"vault_address,omitempty"`
	SandboxID    string           `json:"sandbox_id,omitempty"`
	WorkflowID   uint64           `json:"workflow_id,omitempty"`

	Phase         Phase  `json:"phase"`
	ProgressPhase string `json:"progress_phase,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventEligible reports whether the provision should be covered by the
// result-event subscription: non-terminal and already assigned a call
// ID to match on.
func (p *Provision) EventEligible() bool {
	return !p.Phase.Terminal() && p.CallID != nil
}

// VaultMissing reports whether the provision still lacks a usable vault
// address.
func (p *Provision) VaultMissing() bool {
	return p.VaultAddress.IsZero() || p.VaultAddress == PlaceholderVault
}

// Stale reports whether the provision has sat in job_submitted past the
// given threshold, making it a candidate for a manual re-check.
func (p *Provision) Stale(now time.Time, threshold time.Duration) bool {
	return p.Phase == JobSubmitted && now.Sub(p.UpdatedAt) > threshold
}

// Update is a partial mutation merged into one provision record. Nil
// fields are left untouched.
type Update struct {
	TxHash       *ethtypes.Hash
	ServiceID    *uint64
	CallID       *uint64
	VaultAddress *ethtypes.Address
	SandboxID    *string
	WorkflowID   *uint64

	Phase         *Phase
	ProgressPhase *string
	ErrorMessage  *string
}
