package registry

// Peer RPC lets one node reach a session owned by another node — the
// analogue of "any pid is reachable from any node" in a BEAM cluster,
// narrowed to the two cross-node calls this core serves: a presence query
// (query_local) and an admin kick (kick_local) for a login. Framed
// as JSON request/reply over gorilla/websocket, grounded on's
// use of gorilla/websocket for its agent connections (internal/websocket),
// repurposed here for node-to-node instead of server-to-browser transport.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openacd/agentcore/internal/logger"
)

// PeerRequest is the envelope one node sends another.
type PeerRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Login  string          `json:"login,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// PeerResponse is the envelope returned for a PeerRequest.
type PeerResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

var peerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PeerServer answers remote nodes' requests against this node's registry.
type PeerServer struct {
	registry *Registry
}

// NewPeerServer wraps a Registry for inbound peer RPC.
func NewPeerServer(r *Registry) *PeerServer { return &PeerServer{registry: r} }

// ServeHTTP upgrades the connection and serves requests until the peer
// disconnects. Mounted at a node-internal path (e.g. /internal/peer), never
// exposed to browser clients.
func (p *PeerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.Registry()
	conn, err := peerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("peer upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var req PeerRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := p.handle(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (p *PeerServer) handle(req PeerRequest) PeerResponse {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch req.Method {
	case "query_local":
		h, err := p.registry.Query(ctx, req.Login)
		if err != nil {
			return PeerResponse{ID: req.ID, Error: err.Error()}
		}
		present := h != nil
		data, _ := json.Marshal(map[string]bool{"present": present})
		return PeerResponse{ID: req.ID, Result: data}

	case "kick_local":
		h, err := p.registry.Query(ctx, req.Login)
		if err != nil {
			return PeerResponse{ID: req.ID, Error: err.Error()}
		}
		if h != nil {
			h.Terminate("admin_kick")
		}
		return PeerResponse{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}

	default:
		return PeerResponse{ID: req.ID, Error: fmt.Sprintf("unknown peer method %q", req.Method)}
	}
}

// PeerClient calls another node's PeerServer.
type PeerClient struct {
	conn *websocket.Conn
}

// DialPeer opens a peer connection to a node's internal RPC endpoint.
func DialPeer(ctx context.Context, url string) (*PeerClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", url, err)
	}
	return &PeerClient{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *PeerClient) Close() error { return c.conn.Close() }

// Call sends a request and waits for its matching reply.
func (c *PeerClient) Call(id, method, login string, args any) (PeerResponse, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return PeerResponse{}, err
		}
		raw = data
	}

	if err := c.conn.WriteJSON(PeerRequest{ID: id, Method: method, Login: login, Args: raw}); err != nil {
		return PeerResponse{}, err
	}

	var resp PeerResponse
	if err := c.conn.ReadJSON(&resp); err != nil {
		return PeerResponse{}, err
	}
	return resp, nil
}
