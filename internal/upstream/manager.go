package upstream

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/coral-mesh/coral-broker/internal/registry"
)

// Manager owns the set of live upstream Sessions, one per server name,
// enforcing the "single active session per name" invariant: Ensure never
// lets two goroutines start the same server concurrently, and never
// returns a Session whose Start failed.
//
// Mirrors the teacher's Manager.clients map guarded by Manager.mu: network
// I/O (Session.Start) happens outside the lock, only map mutation happens
// under it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	starting map[string]chan struct{}
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		starting: make(map[string]chan struct{}),
	}
}

// Ensure returns the running Session for rec.Name, starting one if none
// exists yet. Concurrent calls for the same name coalesce onto a single
// Start attempt rather than racing independent subprocess launches.
func (m *Manager) Ensure(ctx context.Context, rec registry.ServerRecord) (*Session, error) {
	for {
		m.mu.Lock()
		if sess, ok := m.sessions[rec.Name]; ok {
			m.mu.Unlock()
			return sess, nil
		}
		if wait, ok := m.starting[rec.Name]; ok {
			m.mu.Unlock()
			<-wait
			continue
		}
		wait := make(chan struct{})
		m.starting[rec.Name] = wait
		m.mu.Unlock()

		sess := NewSession(rec)
		err := sess.Start(ctx)

		m.mu.Lock()
		delete(m.starting, rec.Name)
		if err == nil {
			m.sessions[rec.Name] = sess
		}
		m.mu.Unlock()
		close(wait)

		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

// Get returns the already-running session for name, if any.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[name]
	return sess, ok
}

// Restart stops and removes name's session (if running) so the next Ensure
// call spawns a fresh one. Used by the per-invocation session policy's
// teardown after each run_python call.
func (m *Manager) Restart(name string) {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if ok {
		if err := sess.Stop(); err != nil {
			log.Printf("[Upstream] stop %q during restart: %v", name, err)
		}
	}
}

// Names returns the names of all currently running sessions.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

// CloseAll stops every running session, collecting (not short-circuiting
// on) individual failures.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %q: %w", sess.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("upstream: %d session(s) failed to close: %v", len(errs), errs)
	}
	return nil
}
