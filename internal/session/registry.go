package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

var _ interfaces.SessionRegistry = (*Registry)(nil)

// Registry keeps one session per connection and one connection per
// display name. Names are unique across all online sessions.
type Registry struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	byConn map[string]types.Session // connectionID -> session
	byName map[string]string        // display name -> connectionID
	order  []string                 // connectionIDs in registration order
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "session").Logger(),
		byConn: make(map[string]types.Session),
		byName: make(map[string]string),
	}
}

// Register binds a display name to a connection. Validation and the
// uniqueness check happen under the same lock so two connections racing
// for one name cannot both win.
func (r *Registry) Register(connectionID, rawName string) (types.Session, error) {
	name, err := types.NormalizeUsername(rawName)
	if err != nil {
		return types.Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[name]; taken {
		return types.Session{}, types.ErrDuplicateUsername
	}

	// A connection re-registering under a new name drops its old binding.
	if prev, ok := r.byConn[connectionID]; ok {
		delete(r.byName, prev.DisplayName)
		r.order = lo.Without(r.order, connectionID)
	}

	s := types.Session{
		ConnectionID: connectionID,
		DisplayName:  name,
		ConnectedAt:  time.Now(),
		Online:       true,
	}
	r.byConn[connectionID] = s
	r.byName[name] = connectionID
	r.order = append(r.order, connectionID)

	r.logger.Debug().Str("conn_id", connectionID).Str("user", name).Msg("session registered")
	return s, nil
}

// Unregister removes the session bound to connectionID, if any.
func (r *Registry) Unregister(connectionID string) (types.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connectionID]
	if !ok {
		return types.Session{}, false
	}
	delete(r.byConn, connectionID)
	delete(r.byName, s.DisplayName)
	r.order = lo.Without(r.order, connectionID)

	r.logger.Debug().Str("conn_id", connectionID).Str("user", s.DisplayName).Msg("session unregistered")
	s.Online = false
	return s, true
}

func (r *Registry) FindByConnection(connectionID string) (types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byConn[connectionID]
	return s, ok
}

func (r *Registry) FindByName(name string) (types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.byName[name]
	if !ok {
		return types.Session{}, false
	}
	return r.byConn[connID], true
}

// ActiveNames returns the online display names in registration order.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(r.order, func(connID string, _ int) string {
		return r.byConn[connID].DisplayName
	})
}

// Count returns the number of online sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byConn)
}
