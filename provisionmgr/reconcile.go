package provisionmgr

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/bindings"
	"github.com/tradefleet/fleetd/metrics"
	"github.com/tradefleet/fleetd/provision"
)

// Reconcile repairs provisions a previous session left inconsistent:
// records that reached active or awaiting_secrets but never acquired a
// vault address because the live subscription missed their result event
// (the client was offline when it fired, or crashed between updates).
// It re-scans the full historical result-event log per call ID and
// re-applies the same decode-and-lookup logic as the live handler.
//
// Start runs this once per process; it is also reachable per-provision
// through ReCheck.
func (m *Manager) Reconcile(ctx context.Context) error {
	provisions, err := m.store.ListAll(ctx)
	if err != nil {
		return xerrors.Errorf("listing provisions for reconcile: %w", err)
	}

	var repaired int
	for _, p := range provisions {
		if p.Phase != provision.Active && p.Phase != provision.AwaitingSecrets {
			continue
		}
		if !p.VaultMissing() {
			continue
		}
		if err := m.recheck(ctx, p); err != nil {
			log.Warnw("reconcile failed for provision", "provision", p.ID, "err", err)
			continue
		}
		repaired++
		metrics.ReconcileRepairs.Inc()
	}
	if repaired > 0 {
		log.Infof("reconcile pass repaired %d provisions", repaired)
	}
	return nil
}

// ReCheck re-runs the historical result scan for one provision. This
// backs the user-facing "re-check" affordance on stale provisions, so
// unlike the background watchers it propagates errors.
func (m *Manager) ReCheck(ctx context.Context, id string) error {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.recheck(ctx, p)
}

func (m *Manager) recheck(ctx context.Context, p *provision.Provision) error {
	if p.CallID == nil {
		return xerrors.Errorf("provision %s has no call id to scan for", p.ID)
	}

	q := m.registry.ResultFilter([]uint64{*p.CallID})
	logs, err := m.ledger.GetLogs(ctx, q)
	if err != nil {
		return xerrors.Errorf("scanning historical result events: %w", err)
	}

	for _, l := range logs {
		if len(l.Topics) == 0 || l.Topics[0] != bindings.JobResultSubmittedTopic {
			continue
		}
		serviceID, callID, err := bindings.ResultEventIDs(l)
		if err != nil {
			continue
		}
		if callID != *p.CallID {
			continue
		}
		if p.ServiceID != nil && serviceID != 0 && *p.ServiceID != serviceID {
			continue
		}
		m.publish(m.resultTransition(ctx, p, l))
		return nil
	}

	log.Debugf("no historical result event for provision %s (call %d)", p.ID, *p.CallID)
	return nil
}
