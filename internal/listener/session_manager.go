package listener

import (
	"sync"
	"time"

	"github.com/openacd/agentcore/internal/gateway"
	"github.com/openacd/agentcore/internal/logger"
	"github.com/openacd/agentcore/internal/session"
)

// binding is everything the listener needs to route a request for one
// login: the session actor, its gateway, and the dispatch table bound to
// both.
type binding struct {
	session    *session.Session
	gateway    *gateway.Gateway
	dispatcher *gateway.Dispatcher
}

// sessionManager is the listener's login→binding directory, grounded on
// internal/middleware/sessionmanagement.go SessionManager:
// same register/unregister/sweep shape, narrowed from tracking many
// concurrent sessions per user down to exactly one live binding per login
// ("one live session per login" invariant is enforced by
// the registry; this map just caches the local binding for routing).
type sessionManager struct {
	mu       sync.RWMutex
	bindings map[string]*binding
}

func newSessionManager() *sessionManager {
	sm := &sessionManager{bindings: make(map[string]*binding)}
	go sm.sweepRoutine()
	return sm
}

func (sm *sessionManager) register(login string, b *binding) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.bindings[login] = b
}

func (sm *sessionManager) get(login string) (*binding, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	b, ok := sm.bindings[login]
	return b, ok
}

func (sm *sessionManager) remove(login string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.bindings, login)
}

// sweepRoutine drops bindings whose gateway has stopped (the missed-poll
// handler wired in startOrJoin stops it) so a dead binding is not pinned
// in memory forever, driven by Done() channels instead of last-seen
// timestamps. Logout removes its binding directly.
func (sm *sessionManager) sweepRoutine() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	log := logger.Listener()
	for range ticker.C {
		sm.mu.Lock()
		for login, b := range sm.bindings {
			select {
			case <-b.gateway.Done():
				delete(sm.bindings, login)
				log.Info().Str("login", login).Msg("swept dead binding")
			default:
			}
		}
		sm.mu.Unlock()
	}
}
