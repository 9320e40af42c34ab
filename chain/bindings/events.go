package bindings

import (
	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/ethtypes"
)

// ServiceActivation is a decoded ServiceActivated log.
type ServiceActivation struct {
	BlueprintID uint64
	ServiceID   uint64
}

func ParseServiceActivated(l ethtypes.Log) (*ServiceActivation, error) {
	if len(l.Topics) < 2 || l.Topics[0] != ServiceActivatedTopic {
		return nil, xerrors.Errorf("log is not a ServiceActivated event")
	}
	blueprintID, err := ethtypes.DecodeUint64Word(l.Topics[1][:], 0)
	if err != nil {
		return nil, xerrors.Errorf("decoding blueprint id topic: %w", err)
	}
	serviceID, err := ethtypes.DecodeUint64Word(l.Data, 0)
	if err != nil {
		return nil, xerrors.Errorf("decoding service id: %w", err)
	}
	return &ServiceActivation{BlueprintID: blueprintID, ServiceID: serviceID}, nil
}

// JobSubmission is a decoded JobSubmitted log. ServiceID is zero when
// the registry had not resolved the target service at submission time.
type JobSubmission struct {
	ServiceID uint64
	CallID    uint64
}

func ParseJobSubmitted(l ethtypes.Log) (*JobSubmission, error) {
	if len(l.Topics) < 2 || l.Topics[0] != JobSubmittedTopic {
		return nil, xerrors.Errorf("log is not a JobSubmitted event")
	}
	serviceID, err := ethtypes.DecodeUint64Word(l.Topics[1][:], 0)
	if err != nil {
		return nil, xerrors.Errorf("decoding service id topic: %w", err)
	}
	callID, err := ethtypes.DecodeUint64Word(l.Data, 0)
	if err != nil {
		return nil, xerrors.Errorf("decoding call id: %w", err)
	}
	return &JobSubmission{ServiceID: serviceID, CallID: callID}, nil
}

// FindJobSubmission scans receipt logs for the first JobSubmitted event
// emitted by the given registry.
func FindJobSubmission(registry ethtypes.Address, logs []ethtypes.Log) (*JobSubmission, bool) {
	for _, l := range logs {
		if l.Address != registry {
			continue
		}
		if len(l.Topics) == 0 || l.Topics[0] != JobSubmittedTopic {
			continue
		}
		sub, err := ParseJobSubmitted(l)
		if err != nil {
			continue
		}
		return sub, true
	}
	return nil, false
}

// JobResult is a decoded JobResultSubmitted log. The output tuple is
// (vault address, share token, sandbox id, workflow id); the vault
// address is usually still zero because vault creation runs in a
// separate handler after the result lands.
type JobResult struct {
	ServiceID  uint64
	CallID     uint64
	Vault      ethtypes.Address
	ShareToken ethtypes.Address
	SandboxID  string
	WorkflowID uint64
}

// ResultEventIDs extracts the (service, call) pair from either a
// JobResultSubmitted or a JobResultPending log, without touching the
// output payload.
func ResultEventIDs(l ethtypes.Log) (serviceID, callID uint64, err error) {
	if len(l.Topics) < 3 {
		return 0, 0, xerrors.Errorf("result event has %d topics, want 3", len(l.Topics))
	}
	serviceID, err = ethtypes.DecodeUint64Word(l.Topics[1][:], 0)
	if err != nil {
		return 0, 0, xerrors.Errorf("decoding service id topic: %w", err)
	}
	callID, err = ethtypes.DecodeUint64Word(l.Topics[2][:], 0)
	if err != nil {
		return 0, 0, xerrors.Errorf("decoding call id topic: %w", err)
	}
	return serviceID, callID, nil
}

// ParseJobResult decodes the output tuple of a JobResultSubmitted log.
func ParseJobResult(l ethtypes.Log) (*JobResult, error) {
	if len(l.Topics) < 3 || l.Topics[0] != JobResultSubmittedTopic {
		return nil, xerrors.Errorf("log is not a JobResultSubmitted event")
	}
	serviceID, callID, err := ResultEventIDs(l)
	if err != nil {
		return nil, err
	}

	vault, err := ethtypes.DecodeAddressWord(l.Data, 0)
	if err != nil {
		return nil, xerrors.Errorf("decoding vault address: %w", err)
	}
	share, err := ethtypes.DecodeAddressWord(l.Data, 1)
	if err != nil {
		return nil, xerrors.Errorf("decoding share token: %w", err)
	}
	sandbox, err := ethtypes.DecodeStringWord(l.Data, 2)
	if err != nil {
		return nil, xerrors.Errorf("decoding sandbox id: %w", err)
	}
	workflow, err := ethtypes.DecodeUint64Word(l.Data, 3)
	if err != nil {
		return nil, xerrors.Errorf("decoding workflow id: %w", err)
	}

	return &JobResult{
		ServiceID:  serviceID,
		CallID:     callID,
		Vault:      vault,
		ShareToken: share,
		SandboxID:  sandbox,
		WorkflowID: workflow,
	}, nil
}
