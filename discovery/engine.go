package discovery

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/bindings"
	"github.com/tradefleet/fleetd/chain/ethtypes"
	"github.com/tradefleet/fleetd/chain/ledger"
	"github.com/tradefleet/fleetd/metrics"
	"github.com/tradefleet/fleetd/operator"
	"github.com/tradefleet/fleetd/provision"
)

var log = logging.Logger("discovery")

const defaultOperatorListLimit = 200

// OperatorAPI is the slice of the operator client the engine consumes.
type OperatorAPI interface {
	ListBots(ctx context.Context, limit int) ([]operator.Bot, error)
}

// IntentStore is the slice of the provision store the engine consumes.
type IntentStore interface {
	ListAll(ctx context.Context) ([]*provision.Provision, error)
}

// Config carries the contract addresses and static fallbacks for one
// chain. A zero VaultRegistry or VaultFactory address means that
// contract is not deployed on this chain.
type Config struct {
	BlueprintID   uint64
	Registry      ethtypes.Address
	VaultRegistry ethtypes.Address
	VaultFactory  ethtypes.Address

	// StaticServiceIDs is used when no activation events are found
	// (fresh chain, lagging index).
	StaticServiceIDs []uint64

	// StaticVaults is the environment-configured service->vaults table,
	// the third tier of the vault resolution chain.
	StaticVaults map[uint64][]ethtypes.Address

	OperatorListLimit int
}

// Engine produces the deduplicated bot list on demand.
type Engine struct {
	cfg    Config
	ledger ledger.Client
	op     OperatorAPI
	store  IntentStore

	registry      bindings.ServiceRegistry
	vaultRegistry bindings.VaultRegistry
	vaultFactory  bindings.VaultFactory
	infra         map[ethtypes.Address]struct{}
}

func NewEngine(cfg Config, lc ledger.Client, op OperatorAPI, store IntentStore) *Engine {
	if cfg.OperatorListLimit == 0 {
		cfg.OperatorListLimit = defaultOperatorListLimit
	}
	infra := map[ethtypes.Address]struct{}{
		cfg.Registry: {},
	}
	if !cfg.VaultRegistry.IsZero() {
		infra[cfg.VaultRegistry] = struct{}{}
	}
	if !cfg.VaultFactory.IsZero() {
		infra[cfg.VaultFactory] = struct{}{}
	}
	return &Engine{
		cfg:           cfg,
		ledger:        lc,
		op:            op,
		store:         store,
		registry:      bindings.ServiceRegistry{Addr: cfg.Registry},
		vaultRegistry: bindings.VaultRegistry{Addr: cfg.VaultRegistry},
		vaultFactory:  bindings.VaultFactory{Addr: cfg.VaultFactory},
		infra:         infra,
	}
}

// serviceState is the per-service intermediate built by phases 1-3.
type serviceState struct {
	id          uint64
	active      bool
	operators   []ethtypes.Address
	vaults      []VaultEntry
	provisioned bool
}

type vaultInfo struct {
	totalAssets uint64
	paused      bool
	asset       ethtypes.Address
	symbol      string
	decimals    uint8
}

// runState accumulates the bot list for one run and enforces the
// one-bot-per-vault invariant.
type runState struct {
	bots    []*Bot
	byVault map[ethtypes.Address]*Bot
	ranks   map[*Bot]*fieldRanks
}

func newRunState() *runState {
	return &runState{
		byVault: make(map[ethtypes.Address]*Bot),
		ranks:   make(map[*Bot]*fieldRanks),
	}
}

func (rs *runState) add(b *Bot) bool {
	if !b.VaultAddress.IsZero() {
		if _, dup := rs.byVault[b.VaultAddress]; dup {
			log.Warnw("duplicate vault in discovery run, dropping", "vault", b.VaultAddress)
			return false
		}
		rs.byVault[b.VaultAddress] = b
	}
	rs.bots = append(rs.bots, b)
	rs.ranks[b] = &fieldRanks{}
	return true
}

func (rs *runState) overlay(b *Bot, p patch) {
	b.apply(rs.ranks[b], p)
}

// Run executes the six discovery phases in order and returns the
// merged bot list. It never returns an error: a failure anywhere in
// the ledger or operator phases degrades the run to whatever the local
// intent store can supply on its own.
func (e *Engine) Run(ctx context.Context) []*Bot {
	metrics.DiscoveryRuns.Inc()

	intents, err := e.store.ListAll(ctx)
	if err != nil {
		// partial results are still usable
		log.Warnf("listing local provisions: %s", err)
	}

	rs := newRunState()
	if err := e.discoverFromLedger(ctx, rs, intents); err != nil {
		log.Warnw("ledger discovery failed, degrading to fallback sources", "err", err)
		metrics.DiscoveryPhaseFailures.WithLabelValues("ledger").Inc()
		rs = newRunState()
	}

	e.mergeOperatorBots(ctx, rs, intents)
	e.appendIntentFallback(rs, intents)

	metrics.DiscoveredBots.Set(float64(len(rs.bots)))
	return rs.bots
}

// discoverFromLedger runs phases 1-4: service enumeration, per-service
// resolution, vault batch reads, and bot construction.
func (e *Engine) discoverFromLedger(ctx context.Context, rs *runState, intents []*provision.Provision) error {
	serviceIDs, err := e.enumerateServices(ctx, intents)
	if err != nil {
		return xerrors.Errorf("enumerating services: %w", err)
	}
	if len(serviceIDs) == 0 {
		return nil
	}

	states, err := e.resolveServices(ctx, serviceIDs, intents)
	if err != nil {
		return xerrors.Errorf("resolving services: %w", err)
	}

	vaults, err := e.readVaults(ctx, states)
	if err != nil {
		return xerrors.Errorf("reading vaults: %w", err)
	}

	e.buildLedgerBots(rs, states, vaults, intents)
	return nil
}

// enumerateServices is phase 1: activation events for the target
// blueprint, falling back to the static list, then unioned with every
// service a local provision already references so in-flight services
// are visible before their activation event is indexed.
func (e *Engine) enumerateServices(ctx context.Context, intents []*provision.Provision) ([]uint64, error) {
	logs, err := e.ledger.GetLogs(ctx, e.registry.ActivationFilter(e.cfg.BlueprintID))
	if err != nil {
		return nil, err
	}

	var ids []uint64
	seen := make(map[uint64]struct{})
	addID := func(id uint64) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, l := range logs {
		act, err := bindings.ParseServiceActivated(l)
		if err != nil {
			log.Debugf("skipping undecodable activation log: %s", err)
			continue
		}
		addID(act.ServiceID)
	}

	if len(ids) == 0 {
		for _, id := range e.cfg.StaticServiceIDs {
			addID(id)
		}
	}

	for _, p := range intents {
		if p.ServiceID != nil {
			addID(*p.ServiceID)
		}
	}
	return ids, nil
}

// resolveServices is phase 2: one batch read covering operator set,
// active flag, and both vault resolvers for every service, then the
// per-service vault fallback chain.
func (e *Engine) resolveServices(ctx context.Context, serviceIDs []uint64, intents []*provision.Provision) ([]*serviceState, error) {
	var calls []ledger.ReadCall
	type callIdx struct{ active, operators, registryVaults, factoryVault int }
	idx := make(map[uint64]callIdx, len(serviceIDs))

	push := func(c ledger.ReadCall) int {
		calls = append(calls, c)
		return len(calls) - 1
	}

	for _, id := range serviceIDs {
		ci := callIdx{registryVaults: -1, factoryVault: -1}
		ci.active = push(e.registry.IsActiveCall(id))
		ci.operators = push(e.registry.OperatorsCall(id))
		if !e.cfg.VaultRegistry.IsZero() {
			ci.registryVaults = push(e.vaultRegistry.VaultsOfCall(id))
		}
		if !e.cfg.VaultFactory.IsZero() {
			ci.factoryVault = push(e.vaultFactory.ServiceVaultCall(id))
		}
		idx[id] = ci
	}

	results, err := e.ledger.BatchRead(ctx, calls)
	if err != nil {
		return nil, err
	}

	states := make([]*serviceState, 0, len(serviceIDs))
	for _, id := range serviceIDs {
		ci := idx[id]
		st := &serviceState{id: id}

		if data := results[ci.active]; data != nil {
			active, err := bindings.DecodeBoolResult(data)
			if err != nil {
				log.Debugf("service %d: undecodable active flag: %s", id, err)
			} else {
				st.active = active
			}
		}
		if data := results[ci.operators]; data != nil {
			ops, err := bindings.DecodeAddressSliceResult(data)
			if err != nil {
				log.Debugf("service %d: undecodable operator set: %s", id, err)
			} else {
				st.operators = ops
			}
		}

		st.vaults = e.resolveServiceVaults(st.id, ci.registryVaults, ci.factoryVault, results, intents)
		st.provisioned = len(st.vaults) > 0
		states = append(states, st)
	}
	return states, nil
}

// resolveServiceVaults applies the strict fallback chain: vault
// registry, then vault factory, then the static table, then any vault
// recorded on a matching local provision. Addresses are deduplicated
// within the service; Address is a parsed byte value so hex case never
// enters into it.
func (e *Engine) resolveServiceVaults(serviceID uint64, registryIdx, factoryIdx int, results []ethtypes.Bytes, intents []*provision.Provision) []VaultEntry {
	var entries []VaultEntry
	seen := make(map[ethtypes.Address]struct{})
	addVault := func(a ethtypes.Address, src SourceTag) {
		if a.IsZero() {
			return
		}
		if _, dup := seen[a]; dup {
			return
		}
		seen[a] = struct{}{}
		entries = append(entries, VaultEntry{ServiceID: serviceID, Vault: a, Source: src})
	}

	if registryIdx >= 0 && results[registryIdx] != nil {
		addrs, err := bindings.DecodeAddressSliceResult(results[registryIdx])
		if err != nil {
			log.Debugf("service %d: undecodable registry vaults: %s", serviceID, err)
		}
		for _, a := range addrs {
			addVault(a, FromRegistry)
		}
	}

	if len(entries) == 0 && factoryIdx >= 0 && results[factoryIdx] != nil {
		a, err := bindings.DecodeAddressResult(results[factoryIdx])
		if err != nil {
			log.Debugf("service %d: undecodable factory vault: %s", serviceID, err)
		} else {
			addVault(a, FromFactory)
		}
	}

	if len(entries) == 0 {
		for _, a := range e.cfg.StaticVaults[serviceID] {
			addVault(a, FromEnv)
		}
	}

	if len(entries) == 0 {
		for _, p := range intents {
			if p.ServiceID != nil && *p.ServiceID == serviceID && !p.VaultMissing() {
				addVault(p.VaultAddress, FromIntent)
			}
		}
	}

	return entries
}

// readVaults is phase 3: one batch for (totalAssets, paused, asset)
// across every resolved vault, then a second batch for (symbol,
// decimals) across the distinct asset tokens. The asset batch is keyed
// by first-seen order, not vault order: several vaults can share one
// asset and the results must align with the distinct set.
func (e *Engine) readVaults(ctx context.Context, states []*serviceState) (map[ethtypes.Address]*vaultInfo, error) {
	var vaultList []ethtypes.Address
	for _, st := range states {
		for _, ve := range st.vaults {
			vaultList = append(vaultList, ve.Vault)
		}
	}
	if len(vaultList) == 0 {
		return map[ethtypes.Address]*vaultInfo{}, nil
	}

	calls := make([]ledger.ReadCall, 0, len(vaultList)*3)
	for _, v := range vaultList {
		calls = append(calls,
			bindings.VaultTotalAssetsCall(v),
			bindings.VaultPausedCall(v),
			bindings.VaultAssetCall(v),
		)
	}
	results, err := e.ledger.BatchRead(ctx, calls)
	if err != nil {
		return nil, err
	}

	infos := make(map[ethtypes.Address]*vaultInfo, len(vaultList))
	var assetOrder []ethtypes.Address
	assetIdx := make(map[ethtypes.Address]int)

	for i, v := range vaultList {
		vi := &vaultInfo{}
		if data := results[i*3]; data != nil {
			if total, err := bindings.DecodeBigResult(data); err == nil {
				vi.totalAssets = total
			}
		}
		if data := results[i*3+1]; data != nil {
			if paused, err := bindings.DecodeBoolResult(data); err == nil {
				vi.paused = paused
			}
		}
		if data := results[i*3+2]; data != nil {
			if asset, err := bindings.DecodeAddressResult(data); err == nil && !asset.IsZero() {
				vi.asset = asset
				if _, ok := assetIdx[asset]; !ok {
					assetIdx[asset] = len(assetOrder)
					assetOrder = append(assetOrder, asset)
				}
			}
		}
		infos[v] = vi
	}

	if len(assetOrder) > 0 {
		assetCalls := make([]ledger.ReadCall, 0, len(assetOrder)*2)
		for _, a := range assetOrder {
			assetCalls = append(assetCalls, bindings.TokenSymbolCall(a), bindings.TokenDecimalsCall(a))
		}
		assetResults, err := e.ledger.BatchRead(ctx, assetCalls)
		if err != nil {
			return nil, err
		}

		type assetMeta struct {
			symbol   string
			decimals uint8
		}
		metas := make(map[ethtypes.Address]assetMeta, len(assetOrder))
		for i, a := range assetOrder {
			var m assetMeta
			if data := assetResults[i*2]; data != nil {
				if sym, err := bindings.DecodeStringResult(data); err == nil {
					m.symbol = sym
				}
			}
			if data := assetResults[i*2+1]; data != nil {
				if dec, err := bindings.DecodeUint64Result(data); err == nil && dec <= 255 {
					m.decimals = uint8(dec)
				}
			}
			metas[a] = m
		}
		for _, vi := range infos {
			if m, ok := metas[vi.asset]; ok {
				vi.symbol = m.symbol
				vi.decimals = m.decimals
			}
		}
	}

	return infos, nil
}

// buildLedgerBots is phase 4: one bot per resolved vault, with the
// status ladder and multi-vault name disambiguation.
func (e *Engine) buildLedgerBots(rs *runState, states []*serviceState, vaults map[ethtypes.Address]*vaultInfo, intents []*provision.Provision) {
	for _, st := range states {
		multiVault := len(st.vaults) > 1
		for _, ve := range st.vaults {
			vi := vaults[ve.Vault]
			if vi == nil {
				vi = &vaultInfo{}
			}

			status := StatusStopped
			switch {
			case !st.provisioned:
				status = StatusStopped
			case !st.active:
				status = StatusStopped
			case vi.paused:
				status = StatusPaused
			default:
				status = StatusActive
			}

			matched := matchIntentByVault(intents, ve.Vault)
			if matched == nil {
				matched = matchIntentByService(intents, st.id)
			}

			name := fmt.Sprintf("Bot %d", st.id)
			var createdAt time.Time
			if matched != nil {
				name = matched.Name
				createdAt = matched.CreatedAt
			}
			if multiVault && vi.symbol != "" {
				name = fmt.Sprintf("%s (%s)", name, vi.symbol)
			}

			b := &Bot{
				ID:               BotID(ve.Vault),
				ServiceID:        st.id,
				Name:             name,
				VaultAddress:     ve.Vault,
				Status:           status,
				CreatedAt:        createdAt,
				AssetSymbol:      vi.symbol,
				AssetDecimals:    vi.decimals,
				TotalValueLocked: vi.totalAssets,
			}
			if len(st.operators) > 0 {
				b.OperatorAddress = st.operators[0]
			}
			if !rs.add(b) {
				continue
			}
			if matched != nil {
				rs.overlay(b, patch{
					src:          ve.Source,
					strategyType: ptr(matched.StrategyType),
					provisionID:  ptr(matched.ID),
					sandboxID:    ptr(matched.SandboxID),
				})
			}
		}
	}
}

// mergeOperatorBots is phase 5: overlay operator-reported fields onto
// ledger bots matched by vault address, and append genuinely new
// entries, skipping listing rows that point at nothing (empty or zero
// vault) or at infrastructure contracts rather than real bots.
func (e *Engine) mergeOperatorBots(ctx context.Context, rs *runState, intents []*provision.Provision) {
	if e.op == nil {
		return
	}
	obots, err := e.op.ListBots(ctx, e.cfg.OperatorListLimit)
	if err != nil {
		log.Warnw("operator listing failed, keeping ledger view", "err", err)
		metrics.DiscoveryPhaseFailures.WithLabelValues("operator").Inc()
		return
	}

	for _, ob := range obots {
		var vaddr ethtypes.Address
		haveVault := false
		if ob.VaultAddress != "" {
			a, err := ethtypes.ParseAddress(ob.VaultAddress)
			if err != nil {
				log.Debugf("operator bot %s: bad vault address %q: %s", ob.ID, ob.VaultAddress, err)
			} else {
				vaddr, haveVault = a, true
			}
		}

		opPatch := patch{
			src:           FromOperator,
			sandboxID:     ptr(ob.SandboxID),
			tradingActive: ptr(ob.TradingActive),
			paperTrade:    ptr(ob.PaperTrade),
			strategyType:  ptr(ob.StrategyType),
		}
		if ob.SecretsConfigured != nil {
			opPatch.secretsConfigured = ob.SecretsConfigured
		}

		if haveVault {
			if b, ok := rs.byVault[vaddr]; ok {
				rs.overlay(b, opPatch)
				if !ob.TradingActive && b.Status == StatusActive {
					b.Status = StatusStopped
				}
				continue
			}
		}

		// no ledger match: decide whether this listing row is a real bot
		if !haveVault || vaddr.IsZero() {
			continue
		}
		if _, isInfra := e.infra[vaddr]; isInfra {
			continue
		}

		matched := matchIntentByVault(intents, vaddr)
		if matched == nil && ob.SandboxID != "" {
			matched = matchIntentBySandbox(intents, ob.SandboxID)
		}

		status := StatusStopped
		if ob.TradingActive {
			status = StatusActive
		}
		name := ob.ID
		var createdAt time.Time
		if matched != nil {
			name = matched.Name
			createdAt = matched.CreatedAt
		}
		if createdAt.IsZero() && ob.CreatedAt != "" {
			if t, err := time.Parse(time.RFC3339, ob.CreatedAt); err == nil {
				createdAt = t
			}
		}

		b := &Bot{
			ID:           BotID(vaddr),
			Name:         name,
			VaultAddress: vaddr,
			Status:       status,
			CreatedAt:    createdAt,
		}
		if a, err := ethtypes.ParseAddress(ob.OperatorAddress); err == nil {
			b.OperatorAddress = a
		}
		if !rs.add(b) {
			continue
		}
		rs.overlay(b, opPatch)
		if matched != nil {
			rs.overlay(b, patch{
				src:          FromIntent,
				provisionID:  ptr(matched.ID),
				strategyType: ptr(matched.StrategyType),
			})
		}
	}
}

// appendIntentFallback is phase 6 and the eventual-visibility
// guarantee: every non-failed provision not already represented shows
// up as a bot even when every other source is unavailable.
func (e *Engine) appendIntentFallback(rs *runState, intents []*provision.Provision) {
	represented := make(map[string]struct{})
	for _, b := range rs.bots {
		represented[b.ID] = struct{}{}
		if b.ProvisionID != "" {
			represented[SyntheticID(b.ProvisionID)] = struct{}{}
		}
	}

	for _, p := range intents {
		if p.Phase == provision.Failed {
			continue
		}
		if _, ok := represented[SyntheticID(p.ID)]; ok {
			continue
		}
		if !p.VaultAddress.IsZero() {
			if _, ok := rs.byVault[p.VaultAddress]; ok {
				continue
			}
		}

		var status BotStatus
		switch p.Phase {
		case provision.Active:
			status = StatusActive
		case provision.AwaitingSecrets:
			status = StatusNeedsConfig
		default:
			status = StatusStopped
		}

		b := &Bot{
			Name:         p.Name,
			VaultAddress: p.VaultAddress,
			StrategyType: p.StrategyType,
			Status:       status,
			CreatedAt:    p.CreatedAt,
			SandboxID:    p.SandboxID,
			ProvisionID:  p.ID,
		}
		if p.ServiceID != nil {
			b.ServiceID = *p.ServiceID
		}
		if p.VaultAddress.IsZero() {
			b.ID = SyntheticID(p.ID)
		} else {
			b.ID = BotID(p.VaultAddress)
		}
		rs.add(b)
	}
}

func matchIntentByVault(intents []*provision.Provision, vault ethtypes.Address) *provision.Provision {
	for _, p := range intents {
		if !p.VaultAddress.IsZero() && p.VaultAddress == vault {
			return p
		}
	}
	return nil
}

func matchIntentByService(intents []*provision.Provision, serviceID uint64) *provision.Provision {
	for _, p := range intents {
		if p.ServiceID != nil && *p.ServiceID == serviceID {
			return p
		}
	}
	return nil
}

func matchIntentBySandbox(intents []*provision.Provision, sandboxID string) *provision.Provision {
	for _, p := range intents {
		if p.SandboxID != "" && p.SandboxID == sandboxID {
			return p
		}
	}
	return nil
}
