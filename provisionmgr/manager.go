// Package provisionmgr advances provision records through their
// lifecycle by consuming ledger receipts and events plus operator
// progress polls. All watchers publish transition requests to a single
// apply loop, so no two updates to one record ever interleave.
package provisionmgr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/bindings"
	"github.com/tradefleet/fleetd/chain/ethtypes"
	"github.com/tradefleet/fleetd/chain/ledger"
	"github.com/tradefleet/fleetd/metrics"
	"github.com/tradefleet/fleetd/operator"
	"github.com/tradefleet/fleetd/provision"
)

var log = logging.Logger("provisionmgr")

// ErrRevertedMessage is the fixed user-facing message for a reverted
// submission transaction.
const ErrRevertedMessage = "Transaction reverted"

const (
	defaultPollInterval   = 10 * time.Second
	defaultPollFailureCap = 10
	defaultStaleThreshold = 10 * time.Minute

	subscribeRetryDelay = 5 * time.Second
)

// OperatorAPI is the slice of the operator client the manager consumes.
type OperatorAPI interface {
	ProvisionProgress(ctx context.Context, callID uint64) (*operator.Progress, error)
}

type Config struct {
	Registry      ethtypes.Address
	VaultRegistry ethtypes.Address

	// PollInterval is the fixed operator-progress poll cadence.
	PollInterval time.Duration

	// PollFailureCap stops polling one provision after this many
	// consecutive failures.
	PollFailureCap int

	// StaleThreshold marks a provision stuck in job_submitted as stale.
	StaleThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollFailureCap == 0 {
		c.PollFailureCap = defaultPollFailureCap
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
}

// transition is one normalized update request published by a watcher.
type transition struct {
	id     string
	update provision.Update
	reason string
}

type Manager struct {
	ctx      context.Context
	shutdown context.CancelFunc

	cfg    Config
	store  *provision.Store
	ledger ledger.Client
	op     OperatorAPI
	clk    clock.Clock

	registry      bindings.ServiceRegistry
	vaultRegistry bindings.VaultRegistry

	updates chan transition
	nudges  chan struct{}

	// watcher bookkeeping, touched only from the run loop
	watchingReceipts map[string]struct{}
	subscribedCalls  map[uint64]struct{}
	unsubscribe      func()
	pollCancel       context.CancelFunc

	pollLk       sync.Mutex
	pollFailures map[string]int
	pollStopped  map[string]struct{}

	reconcileOnce sync.Once
	storeUnsub    func()
	done          chan struct{}
}

func NewManager(ctx context.Context, cfg Config, store *provision.Store, lc ledger.Client, op OperatorAPI) *Manager {
	cfg.applyDefaults()
	mctx, shutdown := context.WithCancel(ctx)
	return &Manager{
		ctx:              mctx,
		shutdown:         shutdown,
		cfg:              cfg,
		store:            store,
		ledger:           lc,
		op:               op,
		clk:              clock.New(),
		registry:         bindings.ServiceRegistry{Addr: cfg.Registry},
		vaultRegistry:    bindings.VaultRegistry{Addr: cfg.VaultRegistry},
		updates:          make(chan transition, 64),
		nudges:           make(chan struct{}, 1),
		watchingReceipts: make(map[string]struct{}),
		subscribedCalls:  make(map[uint64]struct{}),
		pollFailures:     make(map[string]int),
		pollStopped:      make(map[string]struct{}),
		done:             make(chan struct{}),
	}
}

// SetClock overrides the manager's clock. Tests only.
func (m *Manager) SetClock(clk clock.Clock) {
	m.clk = clk
}

// Start resumes tracking of everything already in the store, launches
// the apply loop, and kicks the one-shot reconcile pass.
func (m *Manager) Start() error {
	m.storeUnsub = m.store.Subscribe(func(string) {
		m.nudge()
	})

	go m.run()
	m.nudge()

	m.reconcileOnce.Do(func() {
		go func() {
			if err := m.Reconcile(m.ctx); err != nil && !xerrors.Is(err, context.Canceled) {
				log.Warnf("reconcile pass failed: %s", err)
			}
		}()
	})
	return nil
}

// Stop tears down every watcher and the apply loop.
func (m *Manager) Stop() error {
	if m.storeUnsub != nil {
		m.storeUnsub()
	}
	m.shutdown()
	<-m.done
	return nil
}

func (m *Manager) nudge() {
	select {
	case m.nudges <- struct{}{}:
	default:
	}
}

// run is the single apply loop: it serializes every store mutation and
// all watcher lifecycle changes.
func (m *Manager) run() {
	defer close(m.done)
	defer func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		if m.pollCancel != nil {
			m.pollCancel()
		}
	}()

	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.updates:
			m.apply(t)
		case <-m.nudges:
			m.syncWatchers()
		}
	}
}

func (m *Manager) apply(t transition) {
	p, err := m.store.Update(m.ctx, t.id, t.update)
	if err != nil {
		if xerrors.Is(err, provision.ErrNotTracked) {
			// dismissed while a watcher was in flight
			return
		}
		log.Warnw("applying transition failed", "provision", t.id, "reason", t.reason, "err", err)
		return
	}
	if t.update.Phase != nil {
		metrics.PhaseTransitions.WithLabelValues(string(*t.update.Phase)).Inc()
		if *t.update.Phase == provision.Failed {
			metrics.ProvisionFailures.Inc()
		}
	}
	log.Infow("provision transition", "provision", t.id, "reason", t.reason, "phase", p.Phase)
}

func (m *Manager) publish(t transition) {
	select {
	case m.updates <- t:
	case <-m.ctx.Done():
	}
}

// syncWatchers reconciles the running watchers against the current
// store snapshot: receipt waiters for unconfirmed submissions, and the
// edge-triggered result-event subscription plus operator poll loop that
// exist exactly while at least one event-eligible provision does.
func (m *Manager) syncWatchers() {
	provisions, err := m.store.ListAll(m.ctx)
	if err != nil {
		log.Warnf("listing provisions: %s", err)
		if provisions == nil {
			return
		}
	}

	eligible := make(map[uint64]struct{})
	anyEligible := false
	pending := make(map[string]struct{})
	for _, p := range provisions {
		if p.Phase == provision.PendingConfirmation && !p.TxHash.IsZero() {
			pending[p.ID] = struct{}{}
			if _, ok := m.watchingReceipts[p.ID]; !ok {
				m.watchingReceipts[p.ID] = struct{}{}
				go m.watchReceipt(p.ID, p.TxHash)
			}
		}
		if p.EventEligible() {
			eligible[*p.CallID] = struct{}{}
			anyEligible = true
		}
	}
	for id := range m.watchingReceipts {
		if _, still := pending[id]; !still {
			delete(m.watchingReceipts, id)
		}
	}

	if !anyEligible {
		if m.unsubscribe != nil {
			log.Debug("no event-eligible provisions, tearing down watchers")
			m.unsubscribe()
			m.unsubscribe = nil
			m.subscribedCalls = make(map[uint64]struct{})
		}
		if m.pollCancel != nil {
			m.pollCancel()
			m.pollCancel = nil
		}
		return
	}

	if m.unsubscribe == nil || !sameCallSet(m.subscribedCalls, eligible) {
		if m.unsubscribe != nil {
			m.unsubscribe()
			m.unsubscribe = nil
		}
		callIDs := make([]uint64, 0, len(eligible))
		for id := range eligible {
			callIDs = append(callIDs, id)
		}
		unsub, err := m.ledger.SubscribeToEvent(m.ctx, m.registry.ResultFilter(callIDs), func(logs []ethtypes.Log) {
			go m.handleResultLogs(logs)
		})
		if err != nil {
			log.Warnf("establishing result-event subscription: %s", err)
			m.subscribedCalls = make(map[uint64]struct{})
			m.retrySubscribe()
		} else {
			m.unsubscribe = unsub
			m.subscribedCalls = eligible
		}
	}

	if m.pollCancel == nil {
		pollCtx, cancel := context.WithCancel(m.ctx)
		m.pollCancel = cancel
		go m.pollLoop(pollCtx)
	}
}

// retrySubscribe schedules a delayed nudge so a failed subscription
// attempt is retried even while the store stays quiet; without it an
// event-eligible provision could sit unwatched until the next store
// change.
func (m *Manager) retrySubscribe() {
	go func() {
		select {
		case <-m.ctx.Done():
		case <-m.clk.After(subscribeRetryDelay):
			m.nudge()
		}
	}()
}

func sameCallSet(a, b map[uint64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Track starts tracking a new deployment request. The record enters at
// pending_confirmation; everything after that is driven by the
// watchers.
func (m *Manager) Track(ctx context.Context, p *provision.Provision) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Phase == "" {
		p.Phase = provision.PendingConfirmation
	}
	if err := m.store.Add(ctx, p); err != nil {
		return xerrors.Errorf("tracking provision: %w", err)
	}
	return nil
}

// Dismiss removes a record. This is the only deletion path; the
// background loops never remove anything.
func (m *Manager) Dismiss(ctx context.Context, id string) error {
	return m.store.Remove(ctx, id)
}

// MarkSecretsSubmitted applies the phase update produced by the
// external submit-secrets action.
func (m *Manager) MarkSecretsSubmitted(ctx context.Context, id string) error {
	phase := provision.Active
	_, err := m.store.Update(ctx, id, provision.Update{Phase: &phase})
	if err != nil {
		return xerrors.Errorf("marking secrets submitted: %w", err)
	}
	metrics.PhaseTransitions.WithLabelValues(string(provision.Active)).Inc()
	return nil
}

// StaleProvisions returns the IDs of provisions stuck in job_submitted
// past the staleness threshold. These are surfaced as a re-check
// affordance, not treated as failures.
func (m *Manager) StaleProvisions(ctx context.Context) ([]string, error) {
	provisions, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clk.Now()
	var out []string
	for _, p := range provisions {
		if p.Stale(now, m.cfg.StaleThreshold) {
			out = append(out, p.ID)
		}
	}
	return out, nil
}
