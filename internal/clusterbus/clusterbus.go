// Package clusterbus is the cross-node fan-out backbone the Agent Registry
// uses to keep every cluster node's view of "who is logged in where"
// consistent, and the path a blab/broadcast reaches agents owned by other
// nodes: the distributed-systems substitute for a BEAM cluster where any
// node can reach any process directly. Grounded on's
// internal/events package (nats.go connection options, reconnect/error
// handlers, subject constants, enable-on-empty-URL graceful degradation) —
// revived here as a live publisher/subscriber instead of's
// no-op stub, since this core still needs the message bus
// replaced with direct WebSocket delivery.
package clusterbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openacd/agentcore/internal/logger"
)

// Subject constants, namespaced the way subjects.go does
// ("<service>.<domain>.<action>").
const (
	SubjectPresence = "agentcore.registry.presence"
	SubjectBlab     = "agentcore.registry.blab"
	SubjectKick     = "agentcore.registry.kick"
)

// PresenceEvent announces a login's arrival or departure on a node, so
// every other node's registry mirror stays current without a full query.
type PresenceEvent struct {
	Login     string    `json:"login"`
	NodeID    string    `json:"node_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// BlabEvent is a cluster-wide broadcast payload, forwarded to every Web
// Gateway the destination node is hosting.
type BlabEvent struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// KickEvent tells the node hosting login to terminate its session, used by
// admin-level kick against a login this node doesn't itself own.
type KickEvent struct {
	Login     string `json:"login"`
	Reason    string `json:"reason"`
	IssuedBy  string `json:"issued_by"`
}

// Bus wraps a NATS connection. A zero-value URL disables it: the core runs
// single-node (no cross-node fan-out) rather than failing startup, the same
// graceful-degradation posture NewSubscriber takes when
// NATS_URL is unset.
type Bus struct {
	conn   *nats.Conn
	nodeID string
}

// Connect dials NATS with reconnect/error-handler options. An
// empty url yields a disabled Bus.
func Connect(url, nodeID string) (*Bus, error) {
	log := logger.Registry()
	if url == "" {
		log.Warn().Msg("clusterbus disabled: no NATS URL configured")
		return &Bus{}, nil
	}

	opts := []nats.Option{
		nats.Name("agentcore-" + nodeID),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("clusterbus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("clusterbus reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("clusterbus error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect clusterbus: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("clusterbus connected")
	return &Bus{conn: conn, nodeID: nodeID}, nil
}

// Enabled reports whether this bus actually fans out across the cluster.
func (b *Bus) Enabled() bool { return b.conn != nil }

// Close closes the connection without draining pending messages.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// AnnouncePresence publishes this node's view of a login's online state.
func (b *Bus) AnnouncePresence(login string, online bool) error {
	if !b.Enabled() {
		return nil
	}
	return b.publish(SubjectPresence, PresenceEvent{
		Login: login, NodeID: b.nodeID, Online: online, Timestamp: time.Now(),
	})
}

// Blab broadcasts a cluster-wide chat event; every node's registry
// subscriber re-delivers it to the gateways it owns.
func (b *Bus) Blab(from, text string) error {
	if !b.Enabled() {
		return nil
	}
	return b.publish(SubjectBlab, BlabEvent{From: from, Text: text, Timestamp: time.Now()})
}

// Kick asks whichever node owns login to terminate that session.
func (b *Bus) Kick(login, reason, issuedBy string) error {
	if !b.Enabled() {
		return nil
	}
	return b.publish(SubjectKick, KickEvent{Login: login, Reason: reason, IssuedBy: issuedBy})
}

func (b *Bus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return b.conn.Publish(subject, data)
}

// SubscribePresence registers a handler for other nodes' presence
// announcements. No-op when the bus is disabled.
func (b *Bus) SubscribePresence(handler func(PresenceEvent)) error {
	return b.subscribe(SubjectPresence, func(data []byte) {
		var ev PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Registry().Error().Err(err).Msg("malformed presence event")
			return
		}
		if ev.NodeID == b.nodeID {
			return
		}
		handler(ev)
	})
}

// SubscribeBlab registers a handler for cluster-wide blab broadcasts.
func (b *Bus) SubscribeBlab(handler func(BlabEvent)) error {
	return b.subscribe(SubjectBlab, func(data []byte) {
		var ev BlabEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Registry().Error().Err(err).Msg("malformed blab event")
			return
		}
		handler(ev)
	})
}

// SubscribeKick registers a handler for admin-kick requests targeting a
// login this node may own.
func (b *Bus) SubscribeKick(handler func(KickEvent)) error {
	return b.subscribe(SubjectKick, func(data []byte) {
		var ev KickEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Registry().Error().Err(err).Msg("malformed kick event")
			return
		}
		handler(ev)
	})
}

func (b *Bus) subscribe(subject string, handler func([]byte)) error {
	if !b.Enabled() {
		return nil
	}
	_, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return nil
}
