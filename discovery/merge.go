package discovery

// SourceTag identifies which system of record contributed a discovered
// value. Higher rank wins when two sources disagree on a field, so the
// merge is a fold rather than a pile of ad hoc overwrites.
type SourceTag int

const (
	FromIntent SourceTag = iota + 1
	FromEnv
	FromFactory
	FromRegistry
	// FromOperator ranks above the ledger tiers for the fields only the
	// operator knows (sandbox, trading flags); its status contribution
	// is restricted to the active->stopped downgrade rule.
	FromOperator
)

func (s SourceTag) String() string {
	switch s {
	case FromIntent:
		return "intent"
	case FromEnv:
		return "env"
	case FromFactory:
		return "factory"
	case FromRegistry:
		return "registry"
	case FromOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// patch is a partial bot observation from one source. Nil fields carry
// no opinion.
type patch struct {
	src SourceTag

	sandboxID         *string
	tradingActive     *bool
	secretsConfigured *bool
	paperTrade        *bool
	strategyType      *string
	provisionID       *string
}

// fieldRanks tracks, per overlaid field, the rank of the source that
// last set it, so a later lower-priority phase can never revert a value
// a higher-priority phase already established.
type fieldRanks struct {
	sandboxID         SourceTag
	tradingActive     SourceTag
	secretsConfigured SourceTag
	paperTrade        SourceTag
	strategyType      SourceTag
	provisionID       SourceTag
}

func (b *Bot) apply(r *fieldRanks, p patch) {
	if p.sandboxID != nil && p.src >= r.sandboxID {
		b.SandboxID = *p.sandboxID
		r.sandboxID = p.src
	}
	if p.tradingActive != nil && p.src >= r.tradingActive {
		b.TradingActive = *p.tradingActive
		r.tradingActive = p.src
	}
	if p.secretsConfigured != nil && p.src >= r.secretsConfigured {
		b.SecretsConfigured = *p.secretsConfigured
		r.secretsConfigured = p.src
	}
	if p.paperTrade != nil && p.src >= r.paperTrade {
		b.PaperTrade = *p.paperTrade
		r.paperTrade = p.src
	}
	if p.strategyType != nil && *p.strategyType != "" && p.src >= r.strategyType {
		b.StrategyType = *p.strategyType
		r.strategyType = p.src
	}
	if p.provisionID != nil && *p.provisionID != "" && p.src >= r.provisionID {
		b.ProvisionID = *p.provisionID
		r.provisionID = p.src
	}
}

func ptr[T any](v T) *T { return &v }
