// Package gateway implements the Web Gateway: the per-connection JSON
// adapter that turns `{"function":...,"args":[...]}` requests into Agent
// Session operations and buffers Session-emitted events for long-poll
// delivery . Structurally this is the same single-goroutine
// actor shape as internal/registry and internal/session (grounded, like
// them, on internal/websocket/agent_hub.go's one-owner-goroutine pattern),
// here owning a FIFO event buffer and at most one registered poll waiter
// instead of a connections map.
package gateway

import (
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/logger"
	"github.com/openacd/agentcore/internal/models"
	"github.com/rs/zerolog"
)

// Config bounds the gateway's timers to normative values.
type Config struct {
	FlushWindow         time.Duration
	PollLivenessTimeout time.Duration
	KeepAliveTick       time.Duration
}

// PollOutcome is what a long-poll call eventually receives: a drained
// batch of events, or an eviction/termination error.
type PollOutcome struct {
	Events []models.Event
	Err    *apierr.Error
}

type pollReq struct {
	reply chan PollOutcome
}

type waiter struct {
	reply        chan PollOutcome
	registeredAt time.Time
}

// Gateway is one agent's connection adapter: one per Session, created and
// destroyed with it (Web Gateway lifecycle).
type Gateway struct {
	login string
	cfg   Config
	log   zerolog.Logger

	sanitizer *bluemonday.Policy

	buffer []models.Event
	waiter *waiter

	lastPollEstablished time.Time
	flushArmed          bool

	pushCh       chan models.Event
	pollCh       chan pollReq
	flushFiredCh chan struct{}
	stopCh       chan struct{}
	doneCh       chan struct{}

	onMissedPolls func()
}

// New builds a Gateway bound to a login. onMissedPolls is invoked (from the
// gateway's own goroutine) when poll liveness lapses without an
// established waiter — the caller wires this to the owning Session's
// Terminate.
func New(login string, cfg Config, onMissedPolls func()) *Gateway {
	return &Gateway{
		login:               login,
		cfg:                 cfg,
		log:                 logger.Gateway(login),
		sanitizer:           bluemonday.StrictPolicy(),
		pushCh:              make(chan models.Event, 256),
		pollCh:              make(chan pollReq),
		flushFiredCh:        make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
		onMissedPolls:       onMissedPolls,
		lastPollEstablished: time.Now(),
	}
}

// Run is the gateway's event loop. Intended to run in its own goroutine
// for the lifetime of the session it's bound to.
func (g *Gateway) Run() {
	defer close(g.doneCh)
	keepAlive := time.NewTicker(g.cfg.KeepAliveTick)
	defer keepAlive.Stop()

	for {
		select {
		case ev := <-g.pushCh:
			g.handlePush(ev)
		case req := <-g.pollCh:
			g.handlePoll(req)
		case <-g.flushFiredCh:
			g.handleFlush()
		case <-keepAlive.C:
			g.checkLiveness()
		case <-g.stopCh:
			g.evictWaiter(apierr.New(apierr.CodeUnknownError, "gateway closed"))
			return
		}
	}
}

// Stop tears the gateway down, releasing any registered waiter with a
// final error envelope per propagation policy.
func (g *Gateway) Stop() { close(g.stopCh) }

// Done reports when the gateway's goroutine has exited.
func (g *Gateway) Done() <-chan struct{} { return g.doneCh }

// Push implements the Session's EventSink: buffers ev (sanitizing any
// free-text fields) and arms the flush timer if one isn't already running.
func (g *Gateway) Push(ev models.Event) {
	select {
	case g.pushCh <- ev:
	case <-g.stopCh:
	}
}

// Poll registers the caller as the long-poll waiter, or drains immediately
// if events are already buffered. Blocks until a batch is delivered, the
// waiter is evicted by a newer poll, or the gateway closes.
func (g *Gateway) Poll() PollOutcome {
	reply := make(chan PollOutcome, 1)
	select {
	case g.pollCh <- pollReq{reply: reply}:
	case <-g.stopCh:
		return PollOutcome{Err: apierr.New(apierr.CodeUnknownError, "gateway closed")}
	}
	return <-reply
}

func (g *Gateway) handlePush(ev models.Event) {
	g.sanitize(&ev)
	g.buffer = append(g.buffer, ev)

	if !g.flushArmed {
		g.flushArmed = true
		time.AfterFunc(g.cfg.FlushWindow, func() {
			select {
			case g.flushFiredCh <- struct{}{}:
			case <-g.stopCh:
			}
		})
	}
}

func (g *Gateway) handlePoll(req pollReq) {
	g.evictWaiter(apierr.PollReplaced())

	g.lastPollEstablished = time.Now()

	if len(g.buffer) > 0 {
		events := g.buffer
		g.buffer = nil
		req.reply <- PollOutcome{Events: events}
		return
	}

	g.waiter = &waiter{reply: req.reply, registeredAt: time.Now()}
}

func (g *Gateway) handleFlush() {
	g.flushArmed = false
	if g.waiter == nil || len(g.buffer) == 0 {
		return
	}
	events := g.buffer
	g.buffer = nil
	w := g.waiter
	g.waiter = nil
	w.reply <- PollOutcome{Events: events}
}

func (g *Gateway) checkLiveness() {
	now := time.Now()

	if g.waiter == nil && now.Sub(g.lastPollEstablished) > g.cfg.PollLivenessTimeout {
		g.log.Warn().Msg("no poll established within liveness window, terminating session")
		if g.onMissedPolls != nil {
			g.onMissedPolls()
		}
		return
	}

	if g.waiter != nil && now.Sub(g.waiter.registeredAt) > g.cfg.PollLivenessTimeout && len(g.buffer) == 0 {
		w := g.waiter
		g.waiter = nil
		w.reply <- PollOutcome{Events: []models.Event{{
			Command:   models.EventPong,
			Payload:   map[string]any{"timestamp": now.Unix()},
			Timestamp: now,
		}}}
	}
}

// evictWaiter releases any currently registered waiter with err, the
// POLL_PID_REPLACED path requires when a newer poll arrives.
func (g *Gateway) evictWaiter(err *apierr.Error) {
	if g.waiter == nil {
		return
	}
	w := g.waiter
	g.waiter = nil
	w.reply <- PollOutcome{Err: err}
}

// sanitize strips HTML/script content from the free-text fields the event
// vocabulary allows a supervisor or another client to populate (blab.text,
// urlpop.name) before they reach a browser, an additive hardening measure
// grounded on bluemonday-backed internal/middleware/inputvalidation.go.
func (g *Gateway) sanitize(ev *models.Event) {
	if ev.Payload == nil {
		return
	}
	switch ev.Command {
	case models.EventBlab:
		if text, ok := ev.Payload["text"].(string); ok {
			ev.Payload["text"] = g.sanitizer.Sanitize(text)
		}
	case models.EventURLPop:
		if name, ok := ev.Payload["name"].(string); ok {
			ev.Payload["name"] = g.sanitizer.Sanitize(name)
		}
	}
}
