// Package discovery derives the canonical deployed-bot list by merging
// three weakly-consistent sources: ledger enumeration, the operator's
// bot listing, and the local provision store. No source is complete or
// timely on its own; the engine re-runs on an interval and is
// idempotent.
package discovery

import (
	"strings"
	"time"

	"github.com/tradefleet/fleetd/chain/ethtypes"
)

type BotStatus string

const (
	StatusActive      BotStatus = "active"
	StatusPaused      BotStatus = "paused"
	StatusStopped     BotStatus = "stopped"
	StatusNeedsConfig BotStatus = "needs_config"
)

// Bot is the derived read model for one deployed bot. It is recomputed
// on every discovery run and never persisted authoritatively.
type Bot struct {
	// ID is the lowercased vault address, or "provision:<id>" for
	// entries that have no vault yet.
	ID string `json:"id"`

	ServiceID       uint64           `json:"service_id,omitempty"`
	Name            string           `json:"name"`
	OperatorAddress ethtypes.Address `json:"operator_address,omitempty"`
	VaultAddress    ethtypes.Address `json:"vault_address,omitempty"`
	StrategyType    string           `json:"strategy_type,omitempty"`
	Status          BotStatus        `json:"status"`
	CreatedAt       time.Time        `json:"created_at,omitempty"`

	AssetSymbol      string `json:"asset_symbol,omitempty"`
	AssetDecimals    uint8  `json:"asset_decimals,omitempty"`
	TotalValueLocked uint64 `json:"tvl,omitempty"`

	// operator-only fields
	SandboxID         string `json:"sandbox_id,omitempty"`
	TradingActive     bool   `json:"trading_active,omitempty"`
	SecretsConfigured bool   `json:"secrets_configured,omitempty"`
	PaperTrade        bool   `json:"paper_trade,omitempty"`

	// ProvisionID attributes the bot to a local provision record, when
	// one matches.
	ProvisionID string `json:"provision_id,omitempty"`

	// Performance fields are zeroed here and filled by a separate
	// enrichment step downstream.
	PnL24h     float64 `json:"pnl_24h"`
	PnL7d      float64 `json:"pnl_7d"`
	WinRate    float64 `json:"win_rate"`
	TradeCount uint64  `json:"trade_count"`
}

// SyntheticID is the bot identifier used for a provision that has no
// vault address yet.
func SyntheticID(provisionID string) string {
	return "provision:" + provisionID
}

// BotID returns the canonical identifier for a vault address.
func BotID(vault ethtypes.Address) string {
	return strings.ToLower(vault.String())
}

// VaultEntry is one ledger-discovered (service, vault) pairing. It only
// lives for the duration of a discovery run.
type VaultEntry struct {
	ServiceID uint64
	Vault     ethtypes.Address
	Source    SourceTag
}
