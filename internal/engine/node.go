package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgerd/internal/accounts"
	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/apply"
	"github.com/roach88/ledgerd/internal/config"
	"github.com/roach88/ledgerd/internal/da"
	"github.com/roach88/ledgerd/internal/intake"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/ledger"
	"github.com/roach88/ledgerd/internal/metrics"
	"github.com/roach88/ledgerd/internal/runner"
	"github.com/roach88/ledgerd/internal/scheduler"
	"github.com/roach88/ledgerd/internal/settlement"
	"github.com/roach88/ledgerd/internal/store"
	"github.com/roach88/ledgerd/internal/store/badgerkv"
	"github.com/roach88/ledgerd/internal/supervisor"
)

// Actor names, in start order.
const (
	ActorAccounts   = "accounts"
	ActorIntake     = "intake"
	ActorScheduler  = "scheduler"
	ActorApply      = "apply"
	ActorDA         = "da"
	ActorSettlement = "settlement"
)

// stopOrder drains upstream first so every in-flight result reaches the
// applier, which seals before the sinks stop. The cache goes last.
var stopOrder = []string{ActorIntake, ActorScheduler, ActorApply, ActorDA, ActorSettlement, ActorAccounts}

// Deps overrides the external systems a node talks to. Nil fields are
// built from the configuration.
type Deps struct {
	Backend    store.Backend
	DA         da.Client
	Settler    settlement.Settler
	Source     settlement.Source
	Runners    map[ir.ImageKind]runner.Runner
	Fetcher    runner.Fetcher
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Health is a point-in-time view of the node.
type Health struct {
	Actors     map[string]actor.State `json:"actors"`
	Halted     bool                   `json:"halted"`
	HaltReason string                 `json:"halt_reason,omitempty"`
	QueueDepth int                    `json:"queue_depth"`
	Active     int                    `json:"active"`
	LastBatch  uint64                 `json:"last_batch"`
	DA         *da.Health             `json:"da,omitempty"`
	Settlement *settlement.Health     `json:"settlement,omitempty"`
}

// Node is one running ledgerd instance.
type Node struct {
	cfg      config.Config
	backend  store.Backend
	closer   io.Closer
	fetcher  runner.Fetcher
	ledger   *ledger.Ledger
	feed     *ledger.Feed
	cache    *accounts.Cache
	intake   *intake.Intake
	sched    *scheduler.Scheduler
	applier  *apply.Applier
	da       *da.Publisher
	bridge   *settlement.Bridge
	super    *supervisor.Supervisor
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

// New builds a node from cfg. Nothing runs until Run.
func New(cfg config.Config, deps Deps) (n *Node, err error) {
	n = &Node{cfg: cfg, log: slog.Default().With("component", "node")}

	n.backend = deps.Backend
	if n.backend == nil {
		kv, err := OpenBackend(cfg.Store)
		if err != nil {
			return nil, err
		}
		n.backend, n.closer = kv, kv
		defer func() {
			if err != nil {
				kv.Close()
			}
		}()
	}

	reg, gatherer := deps.Registerer, deps.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}
	n.gatherer = gatherer
	m := metrics.New(reg)

	n.ledger = ledger.New(n.backend)
	n.feed = ledger.NewFeed()

	n.cache = accounts.New(store.NewAccounts(n.backend), accounts.Config{
		Capacity:    cfg.Cache.Capacity,
		LeaseTTL:    cfg.Cache.LeaseTTL.D(),
		CallTimeout: cfg.Cache.CallTimeout.D(),
	}, accounts.WithMetrics(m))

	n.fetcher = deps.Fetcher
	if n.fetcher == nil {
		n.fetcher = runner.DirFetcher{Dir: cfg.Runner.ArtifactDir}
	}
	resolver, err := runner.NewResolver(n.ledger, n.fetcher, cfg.Runner.ImageCache)
	if err != nil {
		return nil, fmt.Errorf("image resolver: %w", err)
	}

	var sinks []apply.BatchSink
	n.applier = apply.New(n.cache, n.ledger, apply.Config{
		ReorderWindow: cfg.Apply.ReorderWindow.D(),
		BatchSize:     cfg.Apply.BatchSize,
		BatchInterval: cfg.Apply.BatchInterval.D(),
		LeaseWait:     cfg.Apply.LeaseWait.D(),
	}, apply.WithMetrics(m), apply.WithFeed(n.feed), apply.WithSinks(lazySinks{&sinks}))

	n.sched = scheduler.New(n.runners(deps.Runners), resolver, n.cache, n.applier, scheduler.Config{
		Concurrency:   cfg.Scheduler.Concurrency,
		Timeout:       cfg.Scheduler.Timeout.D(),
		FetchAttempts: cfg.Scheduler.FetchAttempts,
		FetchBackoff:  cfg.Scheduler.FetchBackoff.D(),
		Steps:         cfg.Scheduler.Steps,
		Memory:        cfg.Scheduler.Memory,
	}, scheduler.WithMetrics(m))

	seq, err := resumeClock(context.Background(), n.ledger)
	if err != nil {
		return nil, err
	}
	n.intake = intake.New(n.cache, n.sched, seq, intake.Config{
		HighWater:   cfg.Intake.HighWater,
		CallTimeout: cfg.Intake.CallTimeout.D(),
	}, intake.WithMetrics(m))

	client := deps.DA
	if client == nil && cfg.DA.Endpoint != "" {
		client = da.NewHTTPClient(cfg.DA.Endpoint, cfg.DA.Timeout.D())
	}
	if client != nil {
		n.da = da.New(client, n.ledger, da.Config{
			Workers:       cfg.DA.Workers,
			MaxAttempts:   cfg.DA.MaxAttempts,
			Backoff:       cfg.DA.Backoff.D(),
			MaxBackoff:    cfg.DA.MaxBackoff.D(),
			RetryInterval: cfg.DA.RetryInterval.D(),
		}, da.WithMetrics(m))
		sinks = append(sinks, n.da)
	} else {
		n.log.Warn("no DA endpoint configured; batches will not be published")
	}

	settler, source := deps.Settler, deps.Source
	if settler == nil && cfg.Settlement.Endpoint != "" {
		settler = settlement.NewHTTPSettler(cfg.Settlement.Endpoint, cfg.Settlement.Timeout.D())
	}
	if source == nil && cfg.Settlement.OracleEndpoint != "" {
		source = settlement.NewHTTPSource(cfg.Settlement.OracleEndpoint, cfg.Settlement.PollWait.D())
	}
	if settler != nil {
		n.bridge = settlement.New(n.ledger, settler, source, n.intake, n.cache, settlement.Config{
			SubmitAttempts:      cfg.Settlement.SubmitAttempts,
			SubmitBackoff:       cfg.Settlement.SubmitBackoff.D(),
			RetryInterval:       cfg.Settlement.RetryInterval.D(),
			ReconnectBackoff:    cfg.Settlement.ReconnectBackoff.D(),
			MaxReconnectBackoff: cfg.Settlement.MaxReconnectBackoff.D(),
			AdmitWait:           cfg.Settlement.AdmitWait.D(),
		}, settlement.WithMetrics(m))
		sinks = append(sinks, n.bridge)
	} else {
		n.log.Warn("no settlement endpoint configured; batches will not be settled")
	}

	n.super = supervisor.New(
		supervisor.WithMetrics(m),
		supervisor.WithStopOrder(stopOrder...),
		supervisor.WithEscalation(n.escalate),
	)
	policy := cfg.Supervisor.Policy()
	n.super.Add(ActorAccounts, n.cache.Run, policy)
	n.super.Add(ActorIntake, n.intake.Run, policy)
	n.super.Add(ActorScheduler, n.sched.Run, policy)
	n.super.Add(ActorApply, n.applier.Run, policy)
	if n.da != nil {
		n.super.Add(ActorDA, n.da.Run, policy)
	}
	if n.bridge != nil {
		n.super.Add(ActorSettlement, n.bridge.Run, policy)
	}
	return n, nil
}

// lazySinks lets the applier be built before the sinks that depend on the
// same ledger. The slice is complete before Run.
type lazySinks struct{ sinks *[]apply.BatchSink }

func (l lazySinks) BatchSealed(b ir.Batch) {
	for _, s := range *l.sinks {
		s.BatchSealed(b)
	}
}

func (n *Node) runners(extra map[ir.ImageKind]runner.Runner) runner.Set {
	set := runner.Set{
		Native: runner.Native{},
		ByKind: map[ir.ImageKind]runner.Runner{
			ir.ImageLua:       runner.Lua{HookInterval: n.cfg.Runner.HookInterval},
			ir.ImageContainer: runner.Process{Command: n.cfg.Runner.Command, Kill: n.cfg.Runner.Kill},
		},
	}
	for kind, r := range extra {
		set.ByKind[kind] = r
	}
	return set
}

// escalate halts admission when an actor exhausts its restart budget. The
// node keeps serving reads and draining what it already accepted.
func (n *Node) escalate(name string, err error) {
	n.intake.Halt(fmt.Sprintf("actor %s failed permanently: %v", name, err))
}

// Run seeds genesis state on an empty store, then runs every actor until
// ctx is done. Shutdown stops actors in dependency order and seals the
// open batch.
func (n *Node) Run(ctx context.Context) error {
	if err := n.seed(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.super.Run(gctx) })
	if n.cfg.Metrics.Listen != "" && n.gatherer != nil {
		g.Go(func() error { return metrics.Serve(gctx, n.cfg.Metrics.Listen, n.gatherer) })
	}
	n.log.Info("node started")
	err := g.Wait()
	n.log.Info("node stopped")
	return err
}

// Close releases the store if the node opened it. Call after Run returns.
func (n *Node) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer.Close()
}

// Submit admits a signed transaction. Rejections are *intake.AdmissionError.
func (n *Node) Submit(ctx context.Context, tx ir.Transaction) (ir.Ticket, error) {
	return n.intake.Admit(ctx, tx)
}

// Outcome returns the recorded outcome of txID, or ledger.ErrNotFound
// while it is still in flight.
func (n *Node) Outcome(ctx context.Context, txID string) (ir.Outcome, error) {
	return n.ledger.Outcome(ctx, txID)
}

// Subscribe streams outcomes as they are recorded.
func (n *Node) Subscribe(buffer int) (<-chan ir.Outcome, func()) {
	return n.feed.Subscribe(buffer)
}

// Account returns the committed state of addr.
func (n *Node) Account(ctx context.Context, addr ir.Address) (ir.Account, error) {
	return n.cache.Get(ctx, addr)
}

// Seal seals the open batch now. ok is false when it was empty.
func (n *Node) Seal(ctx context.Context) (ir.Batch, bool, error) {
	return n.applier.Seal(ctx)
}

// Ledger exposes the ledger records for reads.
func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

// Resume re-opens intake after an escalation halted it.
func (n *Node) Resume() {
	n.intake.Resume()
}

// Deploy stores code in the artifact store and binds it to program.
func (n *Node) Deploy(ctx context.Context, program ir.Address, kind ir.ImageKind, name string, code []byte) (ir.ImageRef, error) {
	return Deploy(ctx, n.ledger, n.fetcher, program, kind, name, code)
}

// Health reports actor states and the status of every subsystem.
func (n *Node) Health(ctx context.Context) (Health, error) {
	h := Health{
		Actors:     n.super.States(),
		QueueDepth: n.sched.QueueDepth(),
		Active:     n.sched.Active(),
	}
	h.HaltReason, h.Halted = n.intake.Halted()
	last, err := n.ledger.LastBatch(ctx)
	if err != nil {
		return Health{}, err
	}
	h.LastBatch = last
	if n.da != nil {
		dh := n.da.Health()
		h.DA = &dh
	}
	if n.bridge != nil {
		sh := n.bridge.Health()
		h.Settlement = &sh
	}
	return h, nil
}

// Putter stores program code and returns its content hash.
type Putter interface {
	Put(code []byte) (string, error)
}

// Deploy stores code through fetcher and registers the image for program.
// fetcher must also implement Putter.
func Deploy(ctx context.Context, l *ledger.Ledger, fetcher runner.Fetcher, program ir.Address, kind ir.ImageKind, name string, code []byte) (ir.ImageRef, error) {
	putter, ok := fetcher.(Putter)
	if !ok {
		return ir.ImageRef{}, errors.New("artifact store is read-only")
	}
	hash, err := putter.Put(code)
	if err != nil {
		return ir.ImageRef{}, fmt.Errorf("store image: %w", err)
	}
	ref := ir.ImageRef{Program: program, Kind: kind, Hash: hash, Name: name}
	if err := l.RegisterProgram(ctx, ref); err != nil {
		return ir.ImageRef{}, err
	}
	return ref, nil
}

// OpenBackend opens the configured store.
func OpenBackend(cfg config.Store) (store.Backend, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if cfg.InMemory {
			path = ":memory:"
		}
		return store.Open(path, store.WithPageSize(cfg.PageSize))
	case "badger":
		return badgerkv.Open(badgerkv.Options{Dir: cfg.Path, InMemory: cfg.InMemory, PageSize: cfg.PageSize})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
