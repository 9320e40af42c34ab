package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	levelds "github.com/ipfs/go-ds-leveldb"
	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raulk/clock"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/ethtypes"
	"github.com/tradefleet/fleetd/chain/ledger"
	"github.com/tradefleet/fleetd/discovery"
	"github.com/tradefleet/fleetd/node/config"
	"github.com/tradefleet/fleetd/operator"
	"github.com/tradefleet/fleetd/provision"
	"github.com/tradefleet/fleetd/provisionmgr"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the fleetd daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "config file path (defaults to <repo>/config.toml)",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		repo, err := homedir.Expand(cctx.String("repo"))
		if err != nil {
			return xerrors.Errorf("expanding repo path: %w", err)
		}
		if err := os.MkdirAll(repo, 0o755); err != nil {
			return xerrors.Errorf("creating repo dir: %w", err)
		}

		cfgPath := cctx.String("config")
		if cfgPath == "" {
			cfgPath = filepath.Join(repo, "config.toml")
		}
		cfg, err := config.FromFile(cfgPath)
		if err != nil {
			return err
		}

		registry, err := ethtypes.ParseAddress(cfg.Contracts.ServiceRegistry)
		if err != nil {
			return xerrors.Errorf("parsing service registry address: %w", err)
		}
		vaultRegistry, err := optionalAddress(cfg.Contracts.VaultRegistry)
		if err != nil {
			return xerrors.Errorf("parsing vault registry address: %w", err)
		}
		vaultFactory, err := optionalAddress(cfg.Contracts.VaultFactory)
		if err != nil {
			return xerrors.Errorf("parsing vault factory address: %w", err)
		}
		staticVaults, err := parseStaticVaults(cfg.Discovery.StaticVaults)
		if err != nil {
			return err
		}

		ds, err := levelds.NewDatastore(filepath.Join(repo, "datastore"), nil)
		if err != nil {
			return xerrors.Errorf("opening datastore: %w", err)
		}
		defer ds.Close() // nolint:errcheck

		store := provision.NewStore(ds)

		lc := ledger.NewRPCClient(cfg.Ledger.Endpoint,
			ledger.WithPollIntervals(
				time.Duration(cfg.Ledger.ReceiptPollInterval),
				time.Duration(cfg.Ledger.EventPollInterval),
			),
		)

		var op *operator.Client
		if cfg.Operator.BaseURL != "" {
			op = operator.NewClient(cfg.Operator.BaseURL, operator.StaticToken(cfg.Operator.AuthToken))
		}

		mgr := provisionmgr.NewManager(ctx, provisionmgr.Config{
			Registry:       registry,
			VaultRegistry:  vaultRegistry,
			PollInterval:   time.Duration(cfg.Provision.PollInterval),
			PollFailureCap: cfg.Provision.PollFailureCap,
			StaleThreshold: time.Duration(cfg.Provision.StaleThreshold),
		}, store, lc, opOrNil(op))
		if err := mgr.Start(); err != nil {
			return err
		}
		defer mgr.Stop() // nolint:errcheck

		engine := discovery.NewEngine(discovery.Config{
			BlueprintID:       cfg.Contracts.BlueprintID,
			Registry:          registry,
			VaultRegistry:     vaultRegistry,
			VaultFactory:      vaultFactory,
			StaticServiceIDs:  cfg.Discovery.StaticServiceIDs,
			StaticVaults:      staticVaults,
			OperatorListLimit: cfg.Operator.ListLimit,
		}, lc, opAPIOrNil(op), store)

		cache := &botCache{}
		go discoveryLoop(ctx, engine, cache, time.Duration(cfg.Discovery.Interval))

		srv := &http.Server{
			Addr:    cfg.API.ListenAddress,
			Handler: apiRouter(cache, store, mgr),
		}
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx) // nolint:errcheck
		}()

		log.Infow("fleetd started", "api", cfg.API.ListenAddress, "repo", repo)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func opOrNil(op *operator.Client) provisionmgr.OperatorAPI {
	if op == nil {
		return nil
	}
	return op
}

func opAPIOrNil(op *operator.Client) discovery.OperatorAPI {
	if op == nil {
		return nil
	}
	return op
}

func optionalAddress(s string) (ethtypes.Address, error) {
	if s == "" {
		return ethtypes.ZeroAddress, nil
	}
	return ethtypes.ParseAddress(s)
}

func parseStaticVaults(raw map[string][]string) (map[uint64][]ethtypes.Address, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[uint64][]ethtypes.Address, len(raw))
	for k, vs := range raw {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, xerrors.Errorf("static vault key %q is not a service id: %w", k, err)
		}
		for _, v := range vs {
			a, err := ethtypes.ParseAddress(v)
			if err != nil {
				return nil, xerrors.Errorf("static vault address %q: %w", v, err)
			}
			out[id] = append(out[id], a)
		}
	}
	return out, nil
}

// botCache holds the most recent discovery run for the API handlers.
type botCache struct {
	lk      sync.RWMutex
	bots    []*discovery.Bot
	updated time.Time
}

func (c *botCache) set(bots []*discovery.Bot) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.bots = bots
	c.updated = time.Now()
}

func (c *botCache) get() ([]*discovery.Bot, time.Time) {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return c.bots, c.updated
}

func discoveryLoop(ctx context.Context, engine *discovery.Engine, cache *botCache, interval time.Duration) {
	clk := clock.New()
	cache.set(engine.Run(ctx))

	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bots := engine.Run(ctx)
			if ctx.Err() != nil {
				// torn down mid-run, discard
				return
			}
			cache.set(bots)
		}
	}
}

func apiRouter(cache *botCache, store *provision.Store, mgr *provisionmgr.Manager) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/v0/bots", func(w http.ResponseWriter, _ *http.Request) {
		bots, updated := cache.get()
		if bots == nil {
			bots = []*discovery.Bot{}
		}
		writeJSON(w, map[string]interface{}{"bots": bots, "updated_at": updated})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/v0/provisions", func(w http.ResponseWriter, req *http.Request) {
		var (
			provisions []*provision.Provision
			err        error
		)
		if owner := req.URL.Query().Get("owner"); owner != "" {
			addr, perr := ethtypes.ParseAddress(owner)
			if perr != nil {
				http.Error(w, perr.Error(), http.StatusBadRequest)
				return
			}
			provisions, err = store.ListForOwner(req.Context(), addr)
		} else {
			provisions, err = store.ListAll(req.Context())
		}
		if err != nil && provisions == nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if provisions == nil {
			provisions = []*provision.Provision{}
		}
		writeJSON(w, map[string]interface{}{"provisions": provisions})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/v0/provisions", func(w http.ResponseWriter, req *http.Request) {
		var p provision.Provision
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := mgr.Track(req.Context(), &p); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, &p)
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/v0/provisions/stale", func(w http.ResponseWriter, req *http.Request) {
		ids, err := mgr.StaleProvisions(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, map[string]interface{}{"stale": ids})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/v0/provisions/{id}", func(w http.ResponseWriter, req *http.Request) {
		if err := mgr.Dismiss(req.Context(), mux.Vars(req)["id"]); err != nil {
			status := http.StatusInternalServerError
			if xerrors.Is(err, provision.ErrNotTracked) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	r.HandleFunc("/api/v0/provisions/{id}/recheck", func(w http.ResponseWriter, req *http.Request) {
		if err := mgr.ReCheck(req.Context(), mux.Vars(req)["id"]); err != nil {
			status := http.StatusInternalServerError
			if xerrors.Is(err, provision.ErrNotTracked) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/v0/provisions/{id}/secrets-submitted", func(w http.ResponseWriter, req *http.Request) {
		if err := mgr.MarkSecretsSubmitted(req.Context(), mux.Vars(req)["id"]); err != nil {
			status := http.StatusInternalServerError
			if xerrors.Is(err, provision.ErrNotTracked) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("writing response: %s", err)
	}
}
