package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
)

// SessionState is a downstream session's lifecycle position. Sessions only
// move forward: Created, Initializing, Ready, Closing, Closed.
type SessionState int

const (
	StateCreated SessionState = iota
	StateInitializing
	StateReady
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ID       string       `json:"id"`
	Identity string       `json:"identity,omitempty"`
	State    SessionState `json:"-"`
	Opened   time.Time    `json:"opened"`
}

type sessionEntry struct {
	id       string
	identity string
	state    SessionState
	opened   time.Time
	watch    sync.Once
}

type sessionTable struct {
	mu      sync.Mutex
	entries map[*mcp.ServerSession]*sessionEntry
}

func newSessionTable() *sessionTable {
	return &sessionTable{entries: make(map[*mcp.ServerSession]*sessionEntry)}
}

// track returns the entry for ss, creating it in StateCreated.
func (t *sessionTable) track(ss *mcp.ServerSession) (*sessionEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackLocked(ss)
}

func (t *sessionTable) trackLocked(ss *mcp.ServerSession) (*sessionEntry, bool) {
	if e, ok := t.entries[ss]; ok {
		return e, false
	}
	id := ss.ID()
	identity, _ := authz.ExtractIdentity(id)
	e := &sessionEntry{id: id, identity: identity, state: StateCreated, opened: time.Now()}
	t.entries[ss] = e
	return e, true
}

// advance moves ss to next if that is forward of its current state. The
// handshake may reach Initializing or Ready before the watcher tracks ss, so
// those states insert; Closing and Closed only update a tracked session.
func (t *sessionTable) advance(ss *mcp.ServerSession, next SessionState) {
	if ss == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ss]
	if !ok {
		if next >= StateClosing {
			return
		}
		e, _ = t.trackLocked(ss)
	}
	if next > e.state {
		e.state = next
	}
}

func (t *sessionTable) state(ss *mcp.ServerSession) SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ss]; ok {
		return e.state
	}
	return StateCreated
}

func (t *sessionTable) identity(ss *mcp.ServerSession) string {
	if ss == nil {
		return ""
	}
	t.mu.Lock()
	e, ok := t.entries[ss]
	t.mu.Unlock()
	if ok {
		return e.identity
	}
	identity, _ := authz.ExtractIdentity(ss.ID())
	return identity
}

func (t *sessionTable) remove(ss *mcp.ServerSession) {
	t.mu.Lock()
	delete(t.entries, ss)
	t.mu.Unlock()
}

func (t *sessionTable) sessions() []*mcp.ServerSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*mcp.ServerSession, 0, len(t.entries))
	for ss := range t.entries {
		out = append(out, ss)
	}
	return out
}

func (t *sessionTable) snapshot() []SessionInfo {
	t.mu.Lock()
	out := make([]SessionInfo, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, SessionInfo{ID: e.id, Identity: e.identity, State: e.state, Opened: e.opened})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Opened.Before(out[j].Opened) })
	return out
}
