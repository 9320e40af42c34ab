package provisionmgr

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/tradefleet/fleetd/chain/bindings"
	"github.com/tradefleet/fleetd/chain/ethtypes"
	"github.com/tradefleet/fleetd/metrics"
	"github.com/tradefleet/fleetd/provision"
)

// watchReceipt waits for the submission transaction's receipt and
// publishes the resulting transition. Transport failures are retried
// with backoff for as long as the manager lives; a missing receipt is
// not a failure, the transaction may simply be unmined.
func (m *Manager) watchReceipt(id string, tx ethtypes.Hash) {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		rec, err := m.ledger.WaitForReceipt(m.ctx, tx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			log.Warnw("receipt wait failed, retrying", "provision", id, "tx", tx, "err", err)
			select {
			case <-m.ctx.Done():
				return
			case <-m.clk.After(b.Duration()):
			}
			continue
		}

		if !rec.Ok() {
			failed := provision.Failed
			msg := ErrRevertedMessage
			m.publish(transition{
				id:     id,
				update: provision.Update{Phase: &failed, ErrorMessage: &msg},
				reason: "receipt reverted",
			})
			return
		}

		u := provision.Update{}
		submitted := provision.JobSubmitted
		u.Phase = &submitted
		if sub, ok := bindings.FindJobSubmission(m.cfg.Registry, rec.Logs); ok {
			u.CallID = &sub.CallID
			if sub.ServiceID != 0 {
				u.ServiceID = &sub.ServiceID
			}
		} else {
			// no job-submission event in the receipt; advance anyway so
			// the request doesn't wedge, staleness detection covers it
			log.Warnw("receipt has no job-submission event", "provision", id, "tx", tx)
		}
		m.publish(transition{id: id, update: u, reason: "receipt confirmed"})
		return
	}
}

// handleResultLogs routes result and result-pending events to their
// provisions by call ID. Runs off the subscription goroutine; every
// mutation goes through the apply loop.
func (m *Manager) handleResultLogs(logs []ethtypes.Log) {
	provisions, err := m.store.ListAll(m.ctx)
	if err != nil {
		log.Warnf("listing provisions for result events: %s", err)
		return
	}

	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		serviceID, callID, err := bindings.ResultEventIDs(l)
		if err != nil {
			log.Debugf("skipping result event with bad topics: %s", err)
			continue
		}

		p := matchProvision(provisions, serviceID, callID)
		if p == nil {
			continue
		}

		switch l.Topics[0] {
		case bindings.JobResultPendingTopic:
			processing := provision.JobProcessing
			sub := "result_pending"
			m.publish(transition{
				id:     p.ID,
				update: provision.Update{Phase: &processing, ProgressPhase: &sub},
				reason: "result pending event",
			})
		case bindings.JobResultSubmittedTopic:
			m.publish(m.resultTransition(m.ctx, p, l))
		}
	}
}

// matchProvision finds the event-eligible provision for a (service,
// call) pair. The call ID is the primary key; the service ID only
// participates when the provision already knows its service.
func matchProvision(provisions []*provision.Provision, serviceID, callID uint64) *provision.Provision {
	for _, p := range provisions {
		if !p.EventEligible() || *p.CallID != callID {
			continue
		}
		if p.ServiceID != nil && serviceID != 0 && *p.ServiceID != serviceID {
			continue
		}
		return p
	}
	return nil
}

// resultTransition decodes a JobResultSubmitted log into a transition
// for p. Vault creation runs in a separate on-chain handler after the
// result lands, so the output's vault address is usually still zero and
// the real address comes from the registry's (service, call) lookup.
//
// A decode failure still advances the phase with whatever data is
// available rather than wedging the provision; the sandbox and workflow
// fields stay unset in that case.
func (m *Manager) resultTransition(ctx context.Context, p *provision.Provision, l ethtypes.Log) transition {
	res, err := bindings.ParseJobResult(l)
	if err != nil {
		log.Warnw("undecodable job result output, advancing with partial data",
			"provision", p.ID, "err", err)
		next := provision.AwaitingSecrets
		sub := "result_received"
		return transition{
			id:     p.ID,
			update: provision.Update{Phase: &next, ProgressPhase: &sub},
			reason: "result event (undecodable output)",
		}
	}

	u := provision.Update{
		SandboxID:  &res.SandboxID,
		WorkflowID: &res.WorkflowID,
		ServiceID:  &res.ServiceID,
	}

	vault := res.Vault
	if vault.IsZero() {
		vault = m.lookupVault(ctx, res.ServiceID, res.CallID)
	}
	if !vault.IsZero() {
		u.VaultAddress = &vault
	}

	next := provision.Active
	if res.WorkflowID == 0 {
		// infrastructure is up but the bot still needs its activation
		// secrets
		next = provision.AwaitingSecrets
	}
	u.Phase = &next

	return transition{id: p.ID, update: u, reason: "result event"}
}

// lookupVault queries the vault registry's (service, call) mapping,
// returning the zero address when the vault hasn't been created yet or
// the registry isn't deployed.
func (m *Manager) lookupVault(ctx context.Context, serviceID, callID uint64) ethtypes.Address {
	if m.cfg.VaultRegistry.IsZero() {
		return ethtypes.ZeroAddress
	}
	call := m.vaultRegistry.VaultOfCall(serviceID, callID)
	data, err := m.ledger.ReadOne(ctx, call.To, call.Data)
	if err != nil {
		log.Debugf("vault lookup for service %d call %d failed: %s", serviceID, callID, err)
		return ethtypes.ZeroAddress
	}
	vault, err := bindings.DecodeAddressResult(data)
	if err != nil {
		log.Debugf("vault lookup for service %d call %d: undecodable result: %s", serviceID, callID, err)
		return ethtypes.ZeroAddress
	}
	return vault
}

// pollLoop overlays the operator's human-readable progress onto every
// event-eligible provision on a fixed interval. This is a deliberately
// redundant path next to the ledger events: if event decoding silently
// misses, a 100%-ready report from the operator still advances the
// provision to awaiting_secrets.
func (m *Manager) pollLoop(ctx context.Context) {
	if m.op == nil {
		return
	}
	ticker := m.clk.Ticker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		provisions, err := m.store.ListAll(ctx)
		if err != nil {
			log.Warnf("listing provisions for poll: %s", err)
			continue
		}
		for _, p := range provisions {
			if !p.EventEligible() {
				continue
			}
			if m.pollDisabled(p.ID) {
				continue
			}
			m.pollOne(ctx, p)
		}
	}
}

func (m *Manager) pollDisabled(id string) bool {
	m.pollLk.Lock()
	defer m.pollLk.Unlock()
	_, stopped := m.pollStopped[id]
	return stopped
}

func (m *Manager) pollOne(ctx context.Context, p *provision.Provision) {
	prog, err := m.op.ProvisionProgress(ctx, *p.CallID)
	if err != nil {
		metrics.OperatorPollFailures.Inc()
		m.pollLk.Lock()
		m.pollFailures[p.ID]++
		n := m.pollFailures[p.ID]
		if n >= m.cfg.PollFailureCap {
			m.pollStopped[p.ID] = struct{}{}
			log.Warnw("stopping operator polls for provision after repeated failures",
				"provision", p.ID, "failures", n)
		}
		m.pollLk.Unlock()
		if ctx.Err() == nil {
			log.Debugf("operator poll for provision %s failed: %s", p.ID, err)
		}
		return
	}

	m.pollLk.Lock()
	delete(m.pollFailures, p.ID)
	m.pollLk.Unlock()

	sub := prog.Phase
	if prog.Message != "" {
		sub = prog.Message
	}
	u := provision.Update{ProgressPhase: &sub}
	if prog.SandboxID != "" && p.SandboxID == "" {
		u.SandboxID = &prog.SandboxID
	}
	if prog.Ready() {
		next := provision.AwaitingSecrets
		u.Phase = &next
	}
	m.publish(transition{id: p.ID, update: u, reason: "operator poll"})
}
