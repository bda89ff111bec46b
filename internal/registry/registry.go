// Package registry implements the Agent Registry: the cluster-wide
// directory mapping a login to its live session handle. Generalized from
// internal/websocket/agent_hub.go channel-actor (register/
// unregister/broadcast channels, one goroutine owning a map under a single
// select loop) onto this domain's semantics — a login instead of an
// agent_id, a Handle instead of a WebSocket connection, and blab targets
// instead of a flat broadcast-to-all.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/openacd/agentcore/internal/cache"
	"github.com/openacd/agentcore/internal/clusterbus"
	"github.com/openacd/agentcore/internal/logger"
	"github.com/openacd/agentcore/internal/models"
)

// Handle is whatever the Agent Registry needs from a live session: enough
// to answer queries and to deliver a blab event, without the registry
// importing the session package (avoids an import cycle, since sessions
// call back into the registry for agent_transfer target lookups).
type Handle interface {
	Login() string
	Profile() string
	Skills() []models.Skill
	Notify(ev models.Event) error
	Terminate(reason string)
}

// StartOutcome reports whether start_agent created a session or returned
// the one already live.
type StartOutcome int

const (
	Fresh StartOutcome = iota
	Existing
)

// entry is the registry's bookkeeping record for one live login.
type entry struct {
	login  string
	handle Handle
	nodeID string
	since  time.Time
}

// Listing is one row of registry.List, the shape supervisor dashboards read.
type Listing struct {
	Login  string
	NodeID string
	Since  time.Time
	Skills []models.Skill
}

// TargetKind discriminates a blab's audience.
type TargetKind int

const (
	TargetAll TargetKind = iota
	TargetAgent
	TargetProfile
	TargetNode
)

// Target selects the audience for Blab: {all | agent(login) | profile(name)
// | node(n)}.
type Target struct {
	Kind  TargetKind
	Value string
}

type startReq struct {
	login      string
	makeHandle func() (Handle, error)
	reply      chan startReply
}

type startReply struct {
	outcome StartOutcome
	handle  Handle
	err     error
}

type queryReq struct {
	login string
	reply chan Handle
}

type listReq struct {
	reply chan []Listing
}

type blabReq struct {
	target  Target
	message string
}

type removeReq struct {
	login string
}

// Registry is the cluster-wide directory actor. All mutation flows through
// its single goroutine (run), the same one-writer discipline's
// AgentHub uses for its connections map.
type Registry struct {
	nodeID string
	cache  *cache.Cache
	bus    *clusterbus.Bus
	leaseTTL time.Duration

	entries map[string]*entry

	startCh  chan startReq
	queryCh  chan queryReq
	listCh   chan listReq
	blabCh   chan blabReq
	removeCh chan removeReq
	stopCh   chan struct{}

	dispatch *dispatcher
}

// New builds a Registry. leaseTTL bounds how long a Redis-held login lease
// survives without renewal — the crash-recovery backstop a cron sweep
// reconciles against (see sweep.go).
func New(nodeID string, c *cache.Cache, bus *clusterbus.Bus, leaseTTL time.Duration) *Registry {
	r := &Registry{
		nodeID:   nodeID,
		cache:    c,
		bus:      bus,
		leaseTTL: leaseTTL,
		entries:  make(map[string]*entry),
		startCh:  make(chan startReq),
		queryCh:  make(chan queryReq),
		listCh:   make(chan listReq),
		blabCh:   make(chan blabReq, 256),
		removeCh: make(chan removeReq, 16),
		stopCh:   make(chan struct{}),
	}
	r.dispatch = newDispatcher(8, r.deliverBlab)
	return r
}

// Run starts the registry's event loop and its blab dispatch worker pool.
// Blocks until Stop is called; intended to run in its own goroutine.
func (r *Registry) Run() {
	log := logger.Registry()
	log.Info().Str("node_id", r.nodeID).Msg("agent registry starting")

	r.dispatch.start()
	defer r.dispatch.stop()

	if r.bus.Enabled() {
		r.subscribeCluster()
	}

	for {
		select {
		case req := <-r.startCh:
			r.handleStart(req)
		case req := <-r.queryCh:
			r.handleQuery(req)
		case req := <-r.listCh:
			r.handleList(req)
		case req := <-r.blabCh:
			r.handleBlab(req)
		case req := <-r.removeCh:
			r.handleRemove(req)
		case <-r.stopCh:
			log.Info().Msg("agent registry stopping")
			return
		}
	}
}

// Stop signals Run to exit.
func (r *Registry) Stop() { close(r.stopCh) }

// StartAgent implements start_agent: returns the existing
// handle if login is already live cluster-wide, otherwise claims the login
// (via a Redis SETNX lease for cross-node linearizability) and installs the
// handle makeHandle() constructs.
func (r *Registry) StartAgent(ctx context.Context, login string, makeHandle func() (Handle, error)) (StartOutcome, Handle, error) {
	reply := make(chan startReply, 1)
	select {
	case r.startCh <- startReq{login: login, makeHandle: makeHandle, reply: reply}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.outcome, res.handle, res.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Query implements query: returns the live handle for login,
// or nil if none.
func (r *Registry) Query(ctx context.Context, login string) (Handle, error) {
	reply := make(chan Handle, 1)
	select {
	case r.queryCh <- queryReq{login: login, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case h := <-reply:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List implements list: every live login with its session
// metadata, used by supervisor dashboards.
func (r *Registry) List(ctx context.Context) ([]Listing, error) {
	reply := make(chan []Listing, 1)
	select {
	case r.listCh <- listReq{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case l := <-reply:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Blab implements blab: broadcasts message to every session
// matching target, both locally and (if the bus is enabled) across the
// cluster.
func (r *Registry) Blab(target Target, message string) {
	r.blabLocal(target, message)
	if r.bus.Enabled() && (target.Kind == TargetAll || target.Kind == TargetProfile) {
		_ = r.bus.Blab(target.Value, message)
	}
}

// blabLocal delivers to this node's own entries only, without re-publishing
// to the cluster bus — used both by Blab and by the remote-blab subscriber,
// so a broadcast never echoes back out to the cluster it arrived from.
func (r *Registry) blabLocal(target Target, message string) {
	r.blabCh <- blabReq{target: target, message: message}
}

// Remove unregisters login and releases its lease. The listener calls it on
// logout and when a session ends for missed polls; a session terminated by
// an admin kick is not removed here.
func (r *Registry) Remove(login string) {
	r.removeCh <- removeReq{login: login}
}

func (r *Registry) handleStart(req startReq) {
	log := logger.Registry()

	if existing, ok := r.entries[req.login]; ok {
		req.reply <- startReply{outcome: Existing, handle: existing.handle}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	claimed, err := r.cache.SetNX(ctx, leaseKey(req.login), r.nodeID, r.leaseTTL)
	cancel()
	if err != nil {
		req.reply <- startReply{err: fmt.Errorf("cluster_unavailable: %w", err)}
		return
	}
	if !claimed {
		// Another node holds the lease; this node has no local handle for
		// it, so report existing with a nil handle — callers resolve
		// cross-node access via the clusterbus kick/peer path rather than
		// a direct Handle reference.
		req.reply <- startReply{outcome: Existing, handle: nil}
		return
	}

	handle, err := req.makeHandle()
	if err != nil {
		_ = r.cache.Delete(context.Background(), leaseKey(req.login))
		req.reply <- startReply{err: err}
		return
	}

	r.entries[req.login] = &entry{login: req.login, handle: handle, nodeID: r.nodeID, since: time.Now()}
	log.Info().Str("login", req.login).Msg("agent registered")

	if r.bus.Enabled() {
		_ = r.bus.AnnouncePresence(req.login, true)
	}

	req.reply <- startReply{outcome: Fresh, handle: handle}
}

func (r *Registry) handleQuery(req queryReq) {
	if e, ok := r.entries[req.login]; ok {
		req.reply <- e.handle
		return
	}
	req.reply <- nil
}

func (r *Registry) handleList(req listReq) {
	out := make([]Listing, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Listing{
			Login:  e.login,
			NodeID: e.nodeID,
			Since:  e.since,
			Skills: e.handle.Skills(),
		})
	}
	req.reply <- out
}

func (r *Registry) handleBlab(req blabReq) {
	for _, e := range r.entries {
		if !matches(req.target, e) {
			continue
		}
		r.dispatch.submit(e.handle, req.message)
	}
}

func (r *Registry) handleRemove(req removeReq) {
	e, ok := r.entries[req.login]
	if !ok {
		return
	}
	delete(r.entries, req.login)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = r.cache.Delete(ctx, leaseKey(req.login))
	cancel()

	if r.bus.Enabled() {
		_ = r.bus.AnnouncePresence(req.login, false)
	}
	logger.Registry().Info().Str("login", e.login).Msg("agent unregistered")
}

func matches(t Target, e *entry) bool {
	switch t.Kind {
	case TargetAll:
		return true
	case TargetAgent:
		return e.login == t.Value
	case TargetProfile:
		return e.handle.Profile() == t.Value
	case TargetNode:
		return e.nodeID == t.Value
	default:
		return false
	}
}

func (r *Registry) deliverBlab(h Handle, message string) {
	ev := models.Event{Command: models.EventBlab, Payload: map[string]any{
		"text": message,
	}, Timestamp: time.Now()}
	if err := h.Notify(ev); err != nil {
		logger.Registry().Warn().Str("login", h.Login()).Err(err).Msg("blab delivery failed")
	}
}

// subscribeCluster wires remote presence/blab/kick events delivered over
// the clusterbus into this node's local view, so a dashboard querying any
// node sees the whole cluster eventually (registry-as-
// leader-elected-directory note: this implementation replaces true leader
// election with per-login linearizable claims plus eventual cross-node
// mirroring, decided in DESIGN.md's Open Question log).
func (r *Registry) subscribeCluster() {
	log := logger.Registry()
	if err := r.bus.SubscribeBlab(func(ev clusterbus.BlabEvent) {
		r.blabLocal(Target{Kind: TargetAll}, ev.Text)
	}); err != nil {
		log.Error().Err(err).Msg("subscribe blab failed")
	}
	if err := r.bus.SubscribeKick(func(ev clusterbus.KickEvent) {
		if e, ok := r.entries[ev.Login]; ok {
			e.handle.Terminate(ev.Reason)
		}
	}); err != nil {
		log.Error().Err(err).Msg("subscribe kick failed")
	}
}

func leaseKey(login string) string {
	return "agentcore:login:" + login
}
