package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/metrics"
	"github.com/roach88/ledgerd/internal/store"
)

// Config tunes the cache.
type Config struct {
	// Capacity is the resident entry budget. Leased accounts may push the
	// cache over budget temporarily.
	Capacity int
	// LeaseTTL bounds how long a write lease stays valid.
	LeaseTTL time.Duration
	// CallTimeout bounds every request to the actor.
	CallTimeout time.Duration
}

// Lease is exclusive, time-bounded write permission on one account.
type Lease struct {
	Token    string
	Address  ir.Address
	Version  uint64
	Expires  time.Time
	Snapshot ir.Account
}

// CommitOptions carries the ledger context of a commit.
type CommitOptions struct {
	// AdvanceNonce consumes nonce FromNonce. The commit conflicts unless
	// the account's nonce equals FromNonce.
	AdvanceNonce bool
	FromNonce    uint64
	// Batch is the open batch the commit belongs to.
	Batch uint64
}

// Write is one account's share of a CommitAll.
type Write struct {
	Lease    Lease
	Mutation ir.Mutation
	Options  CommitOptions
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries int `json:"entries"`
	Leases  int `json:"leases"`
}

// Cache is the account cache actor. Construct with New and start the loop
// with Run; every exported method is a message to that loop.
type Cache struct {
	cfg     Config
	store   *store.Accounts
	mailbox *actor.Mailbox[request]
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	// Owned by the Run goroutine.
	arena  *arena
	leases int
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides wall-clock time for lease expiry (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over accts.
func New(accts *store.Accounts, cfg Config, opts ...Option) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	c := &Cache{
		cfg:     cfg,
		store:   accts,
		mailbox: actor.NewMailbox[request](),
		log:     slog.Default().With("actor", "accounts"),
		now:     time.Now,
		arena:   newArena(cfg.Capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = metrics.OrNop(c.metrics)
	return c
}

// Run processes requests until ctx is done. Each run starts with an empty
// arena: every committed write is already durable, so nothing is lost and
// leases issued by a previous run become invalid.
func (c *Cache) Run(ctx context.Context) error {
	c.arena = newArena(c.cfg.Capacity)
	c.leases = 0
	c.metrics.CacheEntries.Set(0)
	c.metrics.CacheLeases.Set(0)
	c.log.Debug("cache started", "capacity", c.cfg.Capacity)

	for {
		req, err := c.mailbox.Next(ctx)
		if err != nil {
			if errors.Is(err, actor.ErrClosed) {
				return nil
			}
			return err
		}
		req.handle(ctx, c)
	}
}

// request is a message to the cache loop.
type request interface {
	handle(ctx context.Context, c *Cache)
}

type result[T any] struct {
	val T
	err error
}

func call[T any](ctx context.Context, c *Cache, build func(reply chan result[T]) request) (T, error) {
	reply := make(chan result[T], 1)
	if !c.mailbox.Send(build(reply)) {
		var zero T
		return zero, actor.ErrClosed
	}
	r, err := actor.Await(ctx, reply, c.cfg.CallTimeout)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("accounts: %w", err)
	}
	return r.val, r.err
}

// Get returns a snapshot of addr. A never-written account is returned
// empty with nonce 0.
func (c *Cache) Get(ctx context.Context, addr ir.Address) (ir.Account, error) {
	return call(ctx, c, func(reply chan result[ir.Account]) request {
		return getRequest{addr: addr, reply: reply}
	})
}

// Snapshot returns read-only copies of every address in addrs.
func (c *Cache) Snapshot(ctx context.Context, addrs []ir.Address) (map[ir.Address]ir.Account, error) {
	return call(ctx, c, func(reply chan result[map[ir.Address]ir.Account]) request {
		return snapshotRequest{addrs: addrs, reply: reply}
	})
}

// ReserveWrite issues an exclusive lease on addr, or ErrBusy.
func (c *Cache) ReserveWrite(ctx context.Context, addr ir.Address) (Lease, error) {
	return call(ctx, c, func(reply chan result[Lease]) request {
		return reserveRequest{addr: addr, reply: reply}
	})
}

// Commit applies m under lease, writes the result through to the store and
// returns the new state. The lease is consumed on success and on conflict;
// on any other error it stays held and must be released.
func (c *Cache) Commit(ctx context.Context, lease Lease, m ir.Mutation, opts CommitOptions) (ir.Account, error) {
	accts, err := c.CommitAll(ctx, []Write{{Lease: lease, Mutation: m, Options: opts}}, nil)
	if err != nil {
		return ir.Account{}, err
	}
	return accts[0], nil
}

// CommitAll applies every write and stores the resulting accounts together
// with records in one atomic store write: either all of them become
// durable or none do. Each address may appear once. On success every
// lease is consumed; on error the leases not consumed by a conflict stay
// held and must be released.
func (c *Cache) CommitAll(ctx context.Context, writes []Write, records []store.Op) ([]ir.Account, error) {
	return call(ctx, c, func(reply chan result[[]ir.Account]) request {
		return commitRequest{writes: writes, records: records, reply: reply}
	})
}

// Release gives up lease. Releasing a consumed or expired lease is a no-op.
func (c *Cache) Release(ctx context.Context, lease Lease) error {
	_, err := call(ctx, c, func(reply chan result[struct{}]) request {
		return releaseRequest{lease: lease, reply: reply}
	})
	return err
}

// MarkFinality sets the finality marker on addrs for state committed in
// batch or earlier. Accounts already carrying state from a later batch are
// left alone.
func (c *Cache) MarkFinality(ctx context.Context, addrs []ir.Address, marker ir.Finality, batch uint64) error {
	_, err := call(ctx, c, func(reply chan result[struct{}]) request {
		return finalityRequest{addrs: addrs, marker: marker, batch: batch, reply: reply}
	})
	return err
}

// Stats reports resident entries and live leases.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	return call(ctx, c, func(reply chan result[Stats]) request {
		return statsRequest{reply: reply}
	})
}

// load returns the slot of addr, reading through to the store on a miss.
func (c *Cache) load(ctx context.Context, addr ir.Address) (int, error) {
	if i, ok := c.arena.lookup(addr); ok {
		c.metrics.CacheHits.Inc()
		return i, nil
	}
	c.metrics.CacheMisses.Inc()

	acct, version, err := c.store.Load(ctx, addr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct, version = ir.NewAccount(addr), 0
	case err != nil:
		return 0, fmt.Errorf("load %s: %w", addr, err)
	}
	i := c.arena.insert(acct, version)
	c.evict(i)
	return i, nil
}

// evict trims the arena to budget, never removing keep.
func (c *Cache) evict(keep int) {
	n, expired := c.arena.evict(c.cfg.Capacity, c.now(), keep)
	if n > 0 {
		c.metrics.CacheEvictions.Add(float64(n))
	}
	if expired > 0 {
		c.leases -= expired
		c.metrics.CacheLeases.Set(float64(c.leases))
	}
	c.metrics.CacheEntries.Set(float64(c.arena.len()))
}

func (c *Cache) clearLease(s *slot) {
	if s.lease != nil {
		s.lease = nil
		c.leases--
		c.metrics.CacheLeases.Set(float64(c.leases))
	}
}

type getRequest struct {
	addr  ir.Address
	reply chan result[ir.Account]
}

func (r getRequest) handle(ctx context.Context, c *Cache) {
	i, err := c.load(ctx, r.addr)
	if err != nil {
		r.reply <- result[ir.Account]{err: err}
		return
	}
	r.reply <- result[ir.Account]{val: c.arena.slots[i].acct.Clone()}
}

type snapshotRequest struct {
	addrs []ir.Address
	reply chan result[map[ir.Address]ir.Account]
}

func (r snapshotRequest) handle(ctx context.Context, c *Cache) {
	out := make(map[ir.Address]ir.Account, len(r.addrs))
	for _, addr := range r.addrs {
		i, err := c.load(ctx, addr)
		if err != nil {
			r.reply <- result[map[ir.Address]ir.Account]{err: err}
			return
		}
		out[addr] = c.arena.slots[i].acct.Clone()
	}
	r.reply <- result[map[ir.Address]ir.Account]{val: out}
}

type reserveRequest struct {
	addr  ir.Address
	reply chan result[Lease]
}

func (r reserveRequest) handle(ctx context.Context, c *Cache) {
	i, err := c.load(ctx, r.addr)
	if err != nil {
		r.reply <- result[Lease]{err: err}
		return
	}
	s := &c.arena.slots[i]
	now := c.now()
	if s.lease.live(now) {
		r.reply <- result[Lease]{err: fmt.Errorf("%w: %s", ErrBusy, r.addr)}
		return
	}
	if s.lease != nil {
		c.log.Warn("lease expired without commit or release", "address", r.addr)
		c.clearLease(s)
	}

	token, err := uuid.NewV7()
	if err != nil {
		r.reply <- result[Lease]{err: fmt.Errorf("lease token: %w", err)}
		return
	}
	s.lease = &heldLease{token: token.String(), version: s.acct.Version, expires: now.Add(c.cfg.LeaseTTL)}
	c.leases++
	c.metrics.CacheLeases.Set(float64(c.leases))

	r.reply <- result[Lease]{val: Lease{
		Token:    s.lease.token,
		Address:  r.addr,
		Version:  s.lease.version,
		Expires:  s.lease.expires,
		Snapshot: s.acct.Clone(),
	}}
}

type commitRequest struct {
	writes  []Write
	records []store.Op
	reply   chan result[[]ir.Account]
}

func (r commitRequest) handle(ctx context.Context, c *Cache) {
	accts, err := c.commit(ctx, r.writes, r.records)
	if IsConflict(err) {
		c.metrics.CacheConflicts.Inc()
	}
	r.reply <- result[[]ir.Account]{val: accts, err: err}
}

func (c *Cache) commit(ctx context.Context, writes []Write, records []store.Op) ([]ir.Account, error) {
	slots := make([]int, len(writes))
	saves := make([]store.AccountSave, len(writes))
	for k, w := range writes {
		i, err := c.checkLease(w.Lease, w.Options)
		if err != nil {
			return nil, err
		}
		s := &c.arena.slots[i]
		next, err := w.Mutation.Apply(s.acct)
		if err != nil {
			return nil, err
		}
		if w.Options.AdvanceNonce {
			next.Nonce++
		}
		next.Version++
		next.Finality = ir.FinalityPending
		if w.Options.Batch > next.Batch {
			next.Batch = w.Options.Batch
		}
		slots[k] = i
		saves[k] = store.AccountSave{Account: next, Expected: s.storeVersion}
	}

	// A started write-back always runs to completion.
	versions, err := c.store.SaveAll(context.WithoutCancel(ctx), saves, records)
	if errors.Is(err, store.ErrVersionConflict) {
		// Someone wrote behind the cache. Drop the slots so the next
		// access reloads them.
		for _, i := range slots {
			c.clearLease(&c.arena.slots[i])
			c.arena.remove(i)
		}
		c.metrics.CacheEntries.Set(float64(c.arena.len()))
		return nil, &ConflictError{Address: writes[0].Lease.Address, Reason: "store version moved"}
	}
	if err != nil {
		return nil, fmt.Errorf("write back: %w", err)
	}

	out := make([]ir.Account, len(writes))
	for k, i := range slots {
		s := &c.arena.slots[i]
		s.acct = saves[k].Account
		s.storeVersion = versions[k]
		c.clearLease(s)
		out[k] = s.acct.Clone()
	}
	c.evict(nilSlot)
	return out, nil
}

// checkLease returns the slot of a live, current lease. On conflict the
// lease is consumed.
func (c *Cache) checkLease(lease Lease, opts CommitOptions) (int, error) {
	conflict := func(reason string) error {
		return &ConflictError{Address: lease.Address, Reason: reason}
	}

	i, ok := c.arena.lookup(lease.Address)
	if !ok {
		return 0, conflict("lease not held")
	}
	s := &c.arena.slots[i]
	if s.lease == nil || s.lease.token != lease.Token {
		return 0, conflict("lease not held")
	}
	if !s.lease.live(c.now()) {
		c.clearLease(s)
		return 0, conflict("lease expired")
	}
	if s.acct.Version != s.lease.version {
		c.clearLease(s)
		return 0, conflict(fmt.Sprintf("version moved from %d to %d", s.lease.version, s.acct.Version))
	}
	if opts.AdvanceNonce && s.acct.Nonce != opts.FromNonce {
		c.clearLease(s)
		return 0, conflict(fmt.Sprintf("nonce is %d, commit consumes %d", s.acct.Nonce, opts.FromNonce))
	}
	return i, nil
}

type releaseRequest struct {
	lease Lease
	reply chan result[struct{}]
}

func (r releaseRequest) handle(_ context.Context, c *Cache) {
	if i, ok := c.arena.index[r.lease.Address]; ok {
		s := &c.arena.slots[i]
		if s.lease != nil && s.lease.token == r.lease.Token {
			c.clearLease(s)
			c.evict(nilSlot)
		}
	}
	r.reply <- result[struct{}]{}
}

type finalityRequest struct {
	addrs  []ir.Address
	marker ir.Finality
	batch  uint64
	reply  chan result[struct{}]
}

func (r finalityRequest) handle(ctx context.Context, c *Cache) {
	for _, addr := range r.addrs {
		if err := c.markFinality(ctx, addr, r.marker, r.batch); err != nil {
			r.reply <- result[struct{}]{err: err}
			return
		}
	}
	r.reply <- result[struct{}]{}
}

func (c *Cache) markFinality(ctx context.Context, addr ir.Address, marker ir.Finality, batch uint64) error {
	i, err := c.load(ctx, addr)
	if err != nil {
		return err
	}
	s := &c.arena.slots[i]
	if s.acct.Batch > batch || s.acct.Finality == marker || s.storeVersion == 0 {
		return nil
	}

	// Finality is not lease-protected state: Version stays put so an
	// outstanding lease remains valid.
	next := s.acct.Clone()
	next.Finality = marker
	version, err := c.store.Save(context.WithoutCancel(ctx), next, s.storeVersion)
	if errors.Is(err, store.ErrVersionConflict) {
		c.clearLease(s)
		c.arena.remove(i)
		c.metrics.CacheEntries.Set(float64(c.arena.len()))
		return fmt.Errorf("mark finality %s: %w", addr, err)
	}
	if err != nil {
		return fmt.Errorf("mark finality %s: %w", addr, err)
	}
	s.acct = next
	s.storeVersion = version
	return nil
}

type statsRequest struct {
	reply chan result[Stats]
}

func (r statsRequest) handle(_ context.Context, c *Cache) {
	r.reply <- result[Stats]{val: Stats{Entries: c.arena.len(), Leases: c.leases}}
}
