package provision

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/ethtypes"
)

var log = logging.Logger("provision")

var ErrNotTracked = xerrors.New("provision not tracked")

var dsKeyPrefix = datastore.NewKey("/provisions")

// Store persists provision records in a datastore, one record per key,
// CBOR-encoded. All mutation goes through Add/Update/Remove so writes
// are serialized and subscribers observe every change.
type Store struct {
	ds  datastore.Datastore
	clk clock.Clock

	lk    sync.RWMutex
	subID int
	subs  map[int]func(id string)
}

func NewStore(ds datastore.Datastore) *Store {
	return &Store{
		ds:   ds,
		clk:  clock.New(),
		subs: make(map[int]func(id string)),
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(clk clock.Clock) {
	s.clk = clk
}

func dsKey(id string) datastore.Key {
	return dsKeyPrefix.ChildString(id)
}

// Add starts tracking a new provision. It errors if the ID is already
// tracked.
func (s *Store) Add(ctx context.Context, p *Provision) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	k := dsKey(p.ID)
	has, err := s.ds.Has(ctx, k)
	if err != nil {
		return err
	}
	if has {
		return xerrors.Errorf("already tracking provision %s", p.ID)
	}

	now := s.clk.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := s.put(ctx, p); err != nil {
		return err
	}
	s.notifyLocked(p.ID)
	return nil
}

// Update merges a partial update into one record. A phase in the
// update that would violate phase monotonicity is dropped (the rest of
// the update still applies); this keeps the redundant ledger and
// operator paths from fighting each other.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Provision, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	p, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if u.TxHash != nil {
		p.TxHash = *u.TxHash
	}
	if u.ServiceID != nil {
		p.ServiceID = u.ServiceID
	}
	if u.CallID != nil {
		p.CallID = u.CallID
	}
	if u.VaultAddress != nil {
		p.VaultAddress = *u.VaultAddress
	}
	if u.SandboxID != nil {
		p.SandboxID = *u.SandboxID
	}
	if u.WorkflowID != nil {
		p.WorkflowID = *u.WorkflowID
	}
	if u.ProgressPhase != nil {
		p.ProgressPhase = *u.ProgressPhase
	}
	if u.ErrorMessage != nil {
		p.ErrorMessage = *u.ErrorMessage
	}
	if u.Phase != nil {
		if p.Phase.CanAdvanceTo(*u.Phase) {
			p.Phase = *u.Phase
		} else {
			log.Debugw("dropping phase regression", "provision", id, "have", p.Phase, "got", *u.Phase)
		}
	}
	p.UpdatedAt = s.clk.Now()

	if err := s.put(ctx, p); err != nil {
		return nil, err
	}
	s.notifyLocked(id)
	return p, nil
}

// Remove deletes a record. Explicit user action only; nothing in the
// background loops calls this.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	k := dsKey(id)
	has, err := s.ds.Has(ctx, k)
	if err != nil {
		return err
	}
	if !has {
		return ErrNotTracked
	}
	if err := s.ds.Delete(ctx, k); err != nil {
		return err
	}
	s.notifyLocked(id)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Provision, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.get(ctx, id)
}

// ListAll returns every tracked provision. Undecodable records are
// skipped and reported in the error alongside the usable results.
func (s *Store) ListAll(ctx context.Context) ([]*Provision, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	res, err := s.ds.Query(ctx, dsq.Query{Prefix: dsKeyPrefix.String()})
	if err != nil {
		return nil, err
	}
	defer res.Close() // nolint:errcheck

	var out []*Provision
	var errs error
	for r := range res.Next() {
		if r.Error != nil {
			return out, r.Error
		}
		var p Provision
		if err := cbor.Unmarshal(r.Value, &p); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("decoding provision at %s: %w", r.Key, err))
			continue
		}
		out = append(out, &p)
	}
	return out, errs
}

func (s *Store) ListForOwner(ctx context.Context, owner ethtypes.Address) ([]*Provision, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	return out, nil
}

// Subscribe registers a callback invoked with the ID of every changed
// record. The returned function cancels the subscription. Callbacks
// run on the mutating goroutine and must not call back into the store's
// mutating methods.
func (s *Store) Subscribe(cb func(id string)) func() {
	s.lk.Lock()
	defer s.lk.Unlock()

	id := s.subID
	s.subID++
	s.subs[id] = cb
	return func() {
		s.lk.Lock()
		defer s.lk.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) get(ctx context.Context, id string) (*Provision, error) {
	val, err := s.ds.Get(ctx, dsKey(id))
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return nil, ErrNotTracked
		}
		return nil, err
	}
	var p Provision
	if err := cbor.Unmarshal(val, &p); err != nil {
		return nil, xerrors.Errorf("decoding provision %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) put(ctx context.Context, p *Provision) error {
	b, err := cbor.Marshal(p)
	if err != nil {
		return xerrors.Errorf("encoding provision %s: %w", p.ID, err)
	}
	return s.ds.Put(ctx, dsKey(p.ID), b)
}

func (s *Store) notifyLocked(id string) {
	for _, cb := range s.subs {
		cb(id)
	}
}
