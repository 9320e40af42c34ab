// Package bindings holds hand-rolled call builders and log decoders for
// the small, fixed set of contracts the fleet tracker talks to: the
// service registry (services, jobs, job results), the per-service vault
// registry, the vault factory, the vaults themselves and their
// underlying ERC20 assets.
package bindings

import (
	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/ethtypes"
	"github.com/tradefleet/fleetd/chain/ledger"
)

// Event signature topics emitted by the service registry.
var (
	// ServiceActivated(uint64 indexed blueprintId, uint64 serviceId)
	ServiceActivatedTopic = ethtypes.EventTopic("ServiceActivated(uint64,uint64)")

	// JobSubmitted(uint64 indexed serviceId, uint64 callId)
	JobSubmittedTopic = ethtypes.EventTopic("JobSubmitted(uint64,uint64)")

	// JobResultPending(uint64 indexed serviceId, uint64 indexed callId)
	JobResultPendingTopic = ethtypes.EventTopic("JobResultPending(uint64,uint64)")

	// JobResultSubmitted(uint64 indexed serviceId, uint64 indexed callId,
	//                    address vault, address shareToken,
	//                    string sandboxId, uint64 workflowId)
	JobResultSubmittedTopic = ethtypes.EventTopic("JobResultSubmitted(uint64,uint64,address,address,string,uint64)")
)

// ServiceRegistry is the on-chain contract binding blueprints, services
// and job calls together.
type ServiceRegistry struct {
	Addr ethtypes.Address
}

func (r ServiceRegistry) ActivationFilter(blueprintID uint64) ledger.FilterQuery {
	return ledger.FilterQuery{
		Contract: r.Addr,
		Topics: [][]ethtypes.Hash{
			{ServiceActivatedTopic},
			{ethtypes.TopicForUint64(blueprintID)},
		},
	}
}

// ResultFilter matches result and result-pending events for the given
// call IDs. An empty callIDs slice matches every call.
func (r ServiceRegistry) ResultFilter(callIDs []uint64) ledger.FilterQuery {
	var callTopics []ethtypes.Hash
	for _, id := range callIDs {
		callTopics = append(callTopics, ethtypes.TopicForUint64(id))
	}
	return ledger.FilterQuery{
		Contract: r.Addr,
		Topics: [][]ethtypes.Hash{
			{JobResultSubmittedTopic, JobResultPendingTopic},
			nil,
			callTopics,
		},
	}
}

func (r ServiceRegistry) IsActiveCall(serviceID uint64) ledger.ReadCall {
	return ledger.ReadCall{
		To:   r.Addr,
		Data: ethtypes.CallData("isServiceActive(uint64)", ethtypes.Uint64Word(serviceID)),
	}
}

func (r ServiceRegistry) OperatorsCall(serviceID uint64) ledger.ReadCall {
	return ledger.ReadCall{
		To:   r.Addr,
		Data: ethtypes.CallData("operatorsOf(uint64)", ethtypes.Uint64Word(serviceID)),
	}
}

// VaultRegistry maps services to their custody vaults, including the
// per-call lookup populated once the post-result vault handler runs.
type VaultRegistry struct {
	Addr ethtypes.Address
}

func (r VaultRegistry) VaultsOfCall(serviceID uint64) ledger.ReadCall {
	return ledger.ReadCall{
		To:   r.Addr,
		Data: ethtypes.CallData("vaultsOf(uint64)", ethtypes.Uint64Word(serviceID)),
	}
}

func (r VaultRegistry) VaultOfCall(serviceID, callID uint64) ledger.ReadCall {
	return ledger.ReadCall{
		To:   r.Addr,
		Data: ethtypes.CallData("vaultOf(uint64,uint64)", ethtypes.Uint64Word(serviceID), ethtypes.Uint64Word(callID)),
	}
}

// VaultFactory is the fallback resolver used when a service predates
// the vault registry.
type VaultFactory struct {
	Addr ethtypes.Address
}

func (f VaultFactory) ServiceVaultCall(serviceID uint64) ledger.ReadCall {
	return ledger.ReadCall{
		To:   f.Addr,
		Data: ethtypes.CallData("serviceVault(uint64)", ethtypes.Uint64Word(serviceID)),
	}
}

// Vault read calls (ERC4626-shaped custody contract).

func VaultTotalAssetsCall(vault ethtypes.Address) ledger.ReadCall {
	return ledger.ReadCall{To: vault, Data: ethtypes.CallData("totalAssets()")}
}

func VaultPausedCall(vault ethtypes.Address) ledger.ReadCall {
	return ledger.ReadCall{To: vault, Data: ethtypes.CallData("paused()")}
}

func VaultAssetCall(vault ethtypes.Address) ledger.ReadCall {
	return ledger.ReadCall{To: vault, Data: ethtypes.CallData("asset()")}
}

// ERC20 metadata calls.

func TokenSymbolCall(token ethtypes.Address) ledger.ReadCall {
	return ledger.ReadCall{To: token, Data: ethtypes.CallData("symbol()")}
}

func TokenDecimalsCall(token ethtypes.Address) ledger.ReadCall {
	return ledger.ReadCall{To: token, Data: ethtypes.CallData("decimals()")}
}

// Single-word result decoders.

func DecodeAddressResult(data ethtypes.Bytes) (ethtypes.Address, error) {
	return ethtypes.DecodeAddressWord(data, 0)
}

func DecodeBoolResult(data ethtypes.Bytes) (bool, error) {
	return ethtypes.DecodeBoolWord(data, 0)
}

func DecodeUint64Result(data ethtypes.Bytes) (uint64, error) {
	return ethtypes.DecodeUint64Word(data, 0)
}

func DecodeBigResult(data ethtypes.Bytes) (uint64, error) {
	return ethtypes.DecodeBigWord(data, 0)
}

func DecodeStringResult(data ethtypes.Bytes) (string, error) {
	return ethtypes.DecodeStringWord(data, 0)
}

// DecodeAddressSliceResult decodes a `address[]` return value.
func DecodeAddressSliceResult(data ethtypes.Bytes) ([]ethtypes.Address, error) {
	off, err := ethtypes.DecodeUint64Word(data, 0)
	if err != nil {
		return nil, err
	}
	if off%ethtypes.WordLength != 0 || off > uint64(len(data)) {
		return nil, xerrors.Errorf("address slice offset %d out of range", off)
	}
	tail := data[off:]
	n, err := ethtypes.DecodeUint64Word(tail, 0)
	if err != nil {
		return nil, err
	}
	if uint64(len(tail)) < (n+1)*ethtypes.WordLength {
		return nil, xerrors.Errorf("address slice truncated: want %d entries", n)
	}
	out := make([]ethtypes.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		a, err := ethtypes.DecodeAddressWord(tail, int(i+1))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
