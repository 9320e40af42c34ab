package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/bindings"
	"github.com/tradefleet/fleetd/chain/ethtypes"
	"github.com/tradefleet/fleetd/chain/ledger"
	"github.com/tradefleet/fleetd/operator"
	"github.com/tradefleet/fleetd/provision"
)

var (
	registryAddr = ethtypes.MustParseAddress("0x1000000000000000000000000000000000000001")
	vaultRegAddr = ethtypes.MustParseAddress("0x1000000000000000000000000000000000000002")
	factoryAddr  = ethtypes.MustParseAddress("0x1000000000000000000000000000000000000003")

	vaultA = ethtypes.MustParseAddress("0x00000000000000000000000000000000000000a1")
	vaultB = ethtypes.MustParseAddress("0x00000000000000000000000000000000000000b2")
	usdc   = ethtypes.MustParseAddress("0x00000000000000000000000000000000000000c1")
	weth   = ethtypes.MustParseAddress("0x00000000000000000000000000000000000000c2")
)

// fakeChain is a canned-response ledger.Client. Reads are keyed by the
// exact (to, calldata) pair; unregistered calls behave like reverts and
// produce a nil batch entry.
type fakeChain struct {
	logs    []ethtypes.Log
	logsErr error
	reads   map[string]ethtypes.Bytes

	batchCalls int
}

func newFakeChain() *fakeChain {
	return &fakeChain{reads: make(map[string]ethtypes.Bytes)}
}

func readKey(to ethtypes.Address, data ethtypes.Bytes) string {
	return string(append(append([]byte{}, to[:]...), data...))
}

func (f *fakeChain) set(c ledger.ReadCall, data ethtypes.Bytes) {
	f.reads[readKey(c.To, c.Data)] = data
}

func (f *fakeChain) GetLogs(ctx context.Context, q ledger.FilterQuery) ([]ethtypes.Log, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	var out []ethtypes.Log
	for _, l := range f.logs {
		if l.Address != q.Contract {
			continue
		}
		if len(q.Topics) > 0 && q.Topics[0] != nil {
			match := false
			for _, t := range q.Topics[0] {
				if len(l.Topics) > 0 && l.Topics[0] == t {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeChain) ReadOne(ctx context.Context, to ethtypes.Address, data ethtypes.Bytes) (ethtypes.Bytes, error) {
	if res, ok := f.reads[readKey(to, data)]; ok {
		return res, nil
	}
	return nil, xerrors.New("execution reverted")
}

func (f *fakeChain) BatchRead(ctx context.Context, calls []ledger.ReadCall) ([]ethtypes.Bytes, error) {
	f.batchCalls++
	out := make([]ethtypes.Bytes, len(calls))
	for i, c := range calls {
		out[i] = f.reads[readKey(c.To, c.Data)]
	}
	return out, nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, tx ethtypes.Hash) (*ledger.Receipt, error) {
	return nil, xerrors.New("not implemented")
}

func (f *fakeChain) SubscribeToEvent(ctx context.Context, q ledger.FilterQuery, sink func([]ethtypes.Log)) (func(), error) {
	return func() {}, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (ethtypes.Uint64, error) {
	return 0, nil
}

type fakeOperator struct {
	bots []operator.Bot
	err  error
}

func (f *fakeOperator) ListBots(ctx context.Context, limit int) ([]operator.Bot, error) {
	return f.bots, f.err
}

type fakeIntents struct {
	provisions []*provision.Provision
	err        error
}

func (f *fakeIntents) ListAll(ctx context.Context) ([]*provision.Provision, error) {
	return f.provisions, f.err
}

// abi encode helpers for canned read results

func encAddrSlice(addrs ...ethtypes.Address) ethtypes.Bytes {
	out := append(ethtypes.Bytes{}, ethtypes.Uint64Word(32)...)
	out = append(out, ethtypes.Uint64Word(uint64(len(addrs)))...)
	for _, a := range addrs {
		out = append(out, ethtypes.AddressWord(a)...)
	}
	return out
}

func encString(s string) ethtypes.Bytes {
	out := append(ethtypes.Bytes{}, ethtypes.Uint64Word(32)...)
	out = append(out, ethtypes.Uint64Word(uint64(len(s)))...)
	padded := make([]byte, (len(s)+31)/32*32)
	copy(padded, s)
	return append(out, padded...)
}

func encBool(v bool) ethtypes.Bytes {
	if v {
		return ethtypes.Bytes(ethtypes.Uint64Word(1))
	}
	return ethtypes.Bytes(ethtypes.Uint64Word(0))
}

func encUint64(v uint64) ethtypes.Bytes {
	return ethtypes.Bytes(ethtypes.Uint64Word(v))
}

func activationLog(blueprintID, serviceID uint64) ethtypes.Log {
	return ethtypes.Log{
		Address: registryAddr,
		Topics:  []ethtypes.Hash{bindings.ServiceActivatedTopic, ethtypes.TopicForUint64(blueprintID)},
		Data:    ethtypes.Uint64Word(serviceID),
	}
}

func testConfig() Config {
	return Config{
		BlueprintID:   1,
		Registry:      registryAddr,
		VaultRegistry: vaultRegAddr,
		VaultFactory:  factoryAddr,
	}
}

// registerService wires the canned reads for one healthy service with
// its vaults coming from the vault registry.
func registerService(fc *fakeChain, serviceID uint64, active bool, ops []ethtypes.Address, vaults ...ethtypes.Address) {
	reg := bindings.ServiceRegistry{Addr: registryAddr}
	vreg := bindings.VaultRegistry{Addr: vaultRegAddr}
	fc.set(reg.IsActiveCall(serviceID), encBool(active))
	fc.set(reg.OperatorsCall(serviceID), encAddrSlice(ops...))
	fc.set(vreg.VaultsOfCall(serviceID), encAddrSlice(vaults...))
}

func registerVault(fc *fakeChain, vault, asset ethtypes.Address, totalAssets uint64, paused bool) {
	fc.set(bindings.VaultTotalAssetsCall(vault), encUint64(totalAssets))
	fc.set(bindings.VaultPausedCall(vault), encBool(paused))
	fc.set(bindings.VaultAssetCall(vault), ethtypes.Bytes(ethtypes.AddressWord(asset)))
}

func registerToken(fc *fakeChain, token ethtypes.Address, symbol string, decimals uint64) {
	fc.set(bindings.TokenSymbolCall(token), encString(symbol))
	fc.set(bindings.TokenDecimalsCall(token), encUint64(decimals))
}

func TestRunLedgerDiscovery(t *testing.T) {
	op1 := ethtypes.MustParseAddress("0x00000000000000000000000000000000000000d1")

	fc := newFakeChain()
	fc.logs = []ethtypes.Log{activationLog(1, 5)}
	registerService(fc, 5, true, []ethtypes.Address{op1}, vaultA)
	registerVault(fc, vaultA, usdc, 1_000_000, false)
	registerToken(fc, usdc, "USDC", 6)

	intent := &provision.Provision{
		ID:           "prov-1",
		Name:         "Momentum Bot",
		StrategyType: "momentum",
		VaultAddress: vaultA,
		SandboxID:    "sbx-1",
		Phase:        provision.Active,
		CreatedAt:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	e := NewEngine(testConfig(), fc, nil, &fakeIntents{provisions: []*provision.Provision{intent}})
	bots := e.Run(context.Background())
	require.Len(t, bots, 1)

	b := bots[0]
	require.Equal(t, BotID(vaultA), b.ID)
	require.Equal(t, uint64(5), b.ServiceID)
	require.Equal(t, "Momentum Bot", b.Name)
	require.Equal(t, StatusActive, b.Status)
	require.Equal(t, op1, b.OperatorAddress)
	require.Equal(t, vaultA, b.VaultAddress)
	require.Equal(t, "USDC", b.AssetSymbol)
	require.Equal(t, uint8(6), b.AssetDecimals)
	require.Equal(t, uint64(1_000_000), b.TotalValueLocked)
	require.Equal(t, "momentum", b.StrategyType)
	require.Equal(t, "prov-1", b.ProvisionID)
	require.Equal(t, "sbx-1", b.SandboxID)
	require.Equal(t, intent.CreatedAt, b.CreatedAt)
}

func TestRunIdempotent(t *testing.T) {
	fc := newFakeChain()
	fc.logs = []ethtypes.Log{activationLog(1, 5), activationLog(1, 6)}
	registerService(fc, 5, true, nil, vaultA)
	registerService(fc, 6, false, nil, vaultB)
	registerVault(fc, vaultA, usdc, 100, false)
	registerVault(fc, vaultB, usdc, 200, false)
	registerToken(fc, usdc, "USDC", 6)

	e := NewEngine(testConfig(), fc, nil, &fakeIntents{})
	first := e.Run(context.Background())
	second := e.Run(context.Background())
	require.Equal(t, first, second)
	require.Len(t, first, 2)
}

func TestStatusLadder(t *testing.T) {
	fc := newFakeChain()
	fc.logs = []ethtypes.Log{activationLog(1, 5), activationLog(1, 6)}
	// service 5: active but its vault is paused
	registerService(fc, 5, true, nil, vaultA)
	registerVault(fc, vaultA, usdc, 100, true)
	// service 6: deactivated
	registerService(fc, 6, false, nil, vaultB)
	registerVault(fc, vaultB, usdc, 100, false)
	registerToken(fc, usdc, "USDC", 6)

	e := NewEngine(testConfig(), fc, nil, &fakeIntents{})
	bots := e.Run(context.Background())
	require.Len(t, bots, 2)

	byID := make(map[string]*Bot)
	for _, b := range bots {
		byID[b.ID] = b
	}
	require.Equal(t, StatusPaused, byID[BotID(vaultA)].Status)
	require.Equal(t, StatusStopped, byID[BotID(vaultB)].Status)
}

func TestVaultFallbackChain(t *testing.T) {
	reg := bindings.ServiceRegistry{Addr: registryAddr}
	vreg := bindings.VaultRegistry{Addr: vaultRegAddr}
	fac := bindings.VaultFactory{Addr: factoryAddr}

	t.Run("factory", func(t *testing.T) {
		fc := newFakeChain()
		fc.logs = []ethtypes.Log{activationLog(1, 5)}
		fc.set(reg.IsActiveCall(5), encBool(true))
		fc.set(reg.OperatorsCall(5), encAddrSlice())
		fc.set(vreg.VaultsOfCall(5), encAddrSlice()) // registry knows nothing
		fc.set(fac.ServiceVaultCall(5), ethtypes.Bytes(ethtypes.AddressWord(vaultA)))
		registerVault(fc, vaultA, usdc, 100, false)
		registerToken(fc, usdc, "USDC", 6)

		e := NewEngine(testConfig(), fc, nil, &fakeIntents{})
		bots := e.Run(context.Background())
		require.Len(t, bots, 1)
		require.Equal(t, vaultA, bots[0].VaultAddress)
	})

	t.Run("static", func(t *testing.T) {
		fc := newFakeChain()
		fc.logs = []ethtypes.Log{activationLog(1, 5)}
		fc.set(reg.IsActiveCall(5), encBool(true))
		fc.set(reg.OperatorsCall(5), encAddrSlice())
		// neither registry nor factory respond
		registerVault(fc, vaultB, usdc, 100, false)
		registerToken(fc, usdc, "USDC", 6)

		cfg := testConfig()
		cfg.StaticVaults = map[uint64][]ethtypes.Address{5: {vaultB}}
		e := NewEngine(cfg, fc, nil, &fakeIntents{})
		bots := e.Run(context.Background())
		require.Len(t, bots, 1)
		require.Equal(t, vaultB, bots[0].VaultAddress)
	})

	t.Run("intent", func(t *testing.T) {
		fc := newFakeChain()
		fc.logs = []ethtypes.Log{activationLog(1, 5)}
		fc.set(reg.IsActiveCall(5), encBool(true))
		fc.set(reg.OperatorsCall(5), encAddrSlice())
		registerVault(fc, vaultA, usdc, 100, false)
		registerToken(fc, usdc, "USDC", 6)

		service := uint64(5)
		intent := &provision.Provision{
			ID:           "prov-1",
			Name:         "Fallback Bot",
			ServiceID:    &service,
			VaultAddress: vaultA,
			Phase:        provision.Active,
		}
		e := NewEngine(testConfig(), fc, nil, &fakeIntents{provisions: []*provision.Provision{intent}})
		bots := e.Run(context.Background())
		require.Len(t, bots, 1)
		require.Equal(t, vaultA, bots[0].VaultAddress)
		require.Equal(t, "Fallback Bot", bots[0].Name)
	})
}

func TestStaticServiceIDsFallback(t *testing.T) {
	fc := newFakeChain() // no activation logs at all
	registerService(fc, 9, true, nil, vaultA)
	registerVault(fc, vaultA, usdc, 100, false)
	registerToken(fc, usdc, "USDC", 6)

	cfg := testConfig()
	cfg.StaticServiceIDs = []uint64{9}
	e := NewEngine(cfg, fc, nil, &fakeIntents{})
	bots := e.Run(context.Background())
	require.Len(t, bots, 1)
	require.Equal(t, uint64(9), bots[0].ServiceID)
}

func TestMultiVaultNaming(t *testing.T) {
	fc := newFakeChain()
	fc.logs = []ethtypes.Log{activationLog(1, 5)}
	registerService(fc, 5, true, nil, vaultA, vaultB)
	registerVault(fc, vaultA, usdc, 100, false)
	registerVault(fc, vaultB, weth, 200, false)
	registerToken(fc, usdc, "USDC", 6)
	registerToken(fc, weth, "WETH", 18)

	intent := &provision.Provision{
		ID:           "prov-1",
		Name:         "Grid Bot",
		VaultAddress: vaultA,
		Phase:        provision.Active,
	}
	e := NewEngine(testConfig(), fc, nil, &fakeIntents{provisions: []*provision.Provision{intent}})
	bots := e.Run(context.Background())
	require.Len(t, bots, 2)

	names := map[string]string{}
	for _, b := range bots {
		names[b.ID] = b.Name
	}
	require.Equal(t, "Grid Bot (USDC)", names[BotID(vaultA)])
	require.Equal(t, "Grid Bot (WETH)", names[BotID(vaultB)])
}

func TestOperatorOverlay(t *testing.T) {
	fc := newFakeChain()
	fc.logs = []ethtypes.Log{activationLog(1, 5)}
	registerService(fc, 5, true, nil, vaultA)
	registerVault(fc, vaultA, usdc, 100, false)
	registerToken(fc, usdc, "USDC", 6)

	secrets := true
	op := &fakeOperator{bots: []operator.Bot{{
		ID:                "op-bot-1",
		VaultAddress:      vaultA.String(),
		SandboxID:         "sbx-9",
		TradingActive:     false,
		PaperTrade:        true,
		SecretsConfigured: &secrets,
	}}}

	e := NewEngine(testConfig(), fc, op, &fakeIntents{})
	bots := e.Run(context.Background())
	require.Len(t, bots, 1)

	b := bots[0]
	// operator-only fields land on the ledger bot
	require.Equal(t, "sbx-9", b.SandboxID)
	require.True(t, b.PaperTrade)
	require.True(t, b.SecretsConfigured)
	// trading_active=false downgrades an active ledger bot
	require.Equal(t, StatusStopped, b.Status)
}

func TestOperatorOnlyBots(t *testing.T) {
	fc := newFakeChain() // empty ledger

	op := &fakeOperator{bots: []operator.Bot{
		{ID: "op-bot-1", VaultAddress: vaultA.String(), TradingActive: true, SandboxID: "sbx-1"},
		{ID: "no-vault"}, // points at nothing
		{ID: "zero-vault", VaultAddress: ethtypes.ZeroAddress.String()},
		{ID: "infra", VaultAddress: registryAddr.String()}, // infrastructure contract
	}}

	e := NewEngine(testConfig(), fc, op, &fakeIntents{})
	bots := e.Run(context.Background())
	require.Len(t, bots, 1)
	require.Equal(t, BotID(vaultA), bots[0].ID)
	require.Equal(t, StatusActive, bots[0].Status)
	require.True(t, bots[0].TradingActive)
}

func TestLedgerFailureDegrades(t *testing.T) {
	fc := newFakeChain()
	fc.logsErr = xerrors.New("rpc endpoint down")

	op := &fakeOperator{bots: []operator.Bot{
		{ID: "op-bot-1", VaultAddress: vaultA.String(), TradingActive: true},
	}}
	intent := &provision.Provision{
		ID:    "prov-1",
		Name:  "Pending Bot",
		Phase: provision.JobProcessing,
	}

	e := NewEngine(testConfig(), fc, op, &fakeIntents{provisions: []*provision.Provision{intent}})
	bots := e.Run(context.Background())
	require.Len(t, bots, 2)

	byID := make(map[string]*Bot)
	for _, b := range bots {
		byID[b.ID] = b
	}
	require.Contains(t, byID, BotID(vaultA))
	require.Contains(t, byID, SyntheticID("prov-1"))
	require.Equal(t, StatusStopped, byID[SyntheticID("prov-1")].Status)
}

func TestIntentFallbackStatuses(t *testing.T) {
	fc := newFakeChain()
	intents := []*provision.Provision{
		{ID: "p-active", Name: "A", Phase: provision.Active},
		{ID: "p-secrets", Name: "B", Phase: provision.AwaitingSecrets},
		{ID: "p-pending", Name: "C", Phase: provision.PendingConfirmation},
		{ID: "p-failed", Name: "D", Phase: provision.Failed},
	}

	e := NewEngine(testConfig(), fc, nil, &fakeIntents{provisions: intents})
	bots := e.Run(context.Background())
	require.Len(t, bots, 3) // failed provisions never surface

	byID := make(map[string]*Bot)
	for _, b := range bots {
		byID[b.ID] = b
	}
	require.Equal(t, StatusActive, byID[SyntheticID("p-active")].Status)
	require.Equal(t, StatusNeedsConfig, byID[SyntheticID("p-secrets")].Status)
	require.Equal(t, StatusStopped, byID[SyntheticID("p-pending")].Status)
}

func TestIntentNotDuplicatedWhenRepresented(t *testing.T) {
	fc := newFakeChain()
	fc.logs = []ethtypes.Log{activationLog(1, 5)}
	registerService(fc, 5, true, nil, vaultA)
	registerVault(fc, vaultA, usdc, 100, false)
	registerToken(fc, usdc, "USDC", 6)

	intent := &provision.Provision{
		ID:           "prov-1",
		Name:         "Momentum Bot",
		VaultAddress: vaultA,
		Phase:        provision.Active,
	}
	e := NewEngine(testConfig(), fc, nil, &fakeIntents{provisions: []*provision.Provision{intent}})
	bots := e.Run(context.Background())
	// the ledger bot already represents the provision
	require.Len(t, bots, 1)
	require.Equal(t, BotID(vaultA), bots[0].ID)
}

func TestDuplicateVaultDropped(t *testing.T) {
	fc := newFakeChain()
	fc.logs = []ethtypes.Log{activationLog(1, 5), activationLog(1, 6)}
	// both services claim the same vault
	registerService(fc, 5, true, nil, vaultA)
	registerService(fc, 6, true, nil, vaultA)
	registerVault(fc, vaultA, usdc, 100, false)
	registerToken(fc, usdc, "USDC", 6)

	e := NewEngine(testConfig(), fc, nil, &fakeIntents{})
	bots := e.Run(context.Background())
	require.Len(t, bots, 1)
	require.Equal(t, uint64(5), bots[0].ServiceID)
}
