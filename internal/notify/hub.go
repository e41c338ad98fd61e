package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxConnsPerUser caps live connections per user.
const DefaultMaxConnsPerUser = 8

var (
	// ErrDeliveryFailed means a connection could not take an event. The
	// hub prunes such connections silently.
	ErrDeliveryFailed = errors.New("notify: delivery failed")
	// ErrHubClosed is returned by Register after Close.
	ErrHubClosed = errors.New("notify: hub closed")
)

// Conn is one live client connection.
type Conn interface {
	// Send delivers one event. It returns an error wrapping
	// ErrDeliveryFailed if the connection is dead or the write failed, and
	// the context's error if ctx ended before the write started.
	Send(ctx context.Context, ev Event) error
	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Handle identifies one registered connection.
type Handle string

type entry struct {
	conn Conn
	seq  uint64 // registration order, used to find the oldest
}

// Hub tracks live connections keyed by user id. No lock is held while
// talking to a connection.
type Hub struct {
	mu         sync.Mutex
	users      map[int64]map[Handle]entry
	seq        uint64
	closed     bool
	maxPerUser int
	logger     *zap.Logger
}

// HubOpts configures a Hub.
type HubOpts struct {
	MaxConnsPerUser int // DefaultMaxConnsPerUser when zero
	Logger          *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(opts HubOpts) *Hub {
	if opts.MaxConnsPerUser <= 0 {
		opts.MaxConnsPerUser = DefaultMaxConnsPerUser
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		users:      make(map[int64]map[Handle]entry),
		maxPerUser: opts.MaxConnsPerUser,
		logger:     opts.Logger,
	}
}

// Register adds conn for userID and returns its handle. When the user is
// at the cap, their oldest connection is evicted and closed.
func (h *Hub) Register(userID int64, conn Conn) (Handle, error) {
	handle := Handle(uuid.NewString())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}
	conns := h.users[userID]
	if conns == nil {
		conns = make(map[Handle]entry)
		h.users[userID] = conns
	}
	var evicted []Conn
	for len(conns) >= h.maxPerUser {
		oldest := oldestHandle(conns)
		evicted = append(evicted, conns[oldest].conn)
		delete(conns, oldest)
	}
	h.seq++
	conns[handle] = entry{conn: conn, seq: h.seq}
	h.mu.Unlock()

	for _, c := range evicted {
		h.logger.Info("notify: evicting oldest connection", zap.Int64("user_id", userID))
		c.Close()
	}
	return handle, nil
}

func oldestHandle(conns map[Handle]entry) Handle {
	var (
		oldest Handle
		seq    uint64
	)
	for handle, e := range conns {
		if oldest == "" || e.seq < seq {
			oldest, seq = handle, e.seq
		}
	}
	return oldest
}

// Unregister removes a connection. It reports whether the handle was
// still registered. The connection itself is not closed.
func (h *Hub) Unregister(userID int64, handle Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(userID, handle)
}

func (h *Hub) removeLocked(userID int64, handle Handle) bool {
	conns := h.users[userID]
	if _, ok := conns[handle]; !ok {
		return false
	}
	delete(conns, handle)
	if len(conns) == 0 {
		delete(h.users, userID)
	}
	return true
}

// SendToUser delivers ev to every live connection of userID and returns
// how many took it. Connections whose send fails with ErrDeliveryFailed are
// closed and pruned; other errors, such as a cancelled ctx, skip the
// connection but keep it. A user with no connections is a silent no-op.
func (h *Hub) SendToUser(ctx context.Context, userID int64, ev Event) int {
	h.mu.Lock()
	snapshot := make(map[Handle]Conn, len(h.users[userID]))
	for handle, e := range h.users[userID] {
		snapshot[handle] = e.conn
	}
	h.mu.Unlock()

	delivered := 0
	var failed []Handle
	for handle, conn := range snapshot {
		err := conn.Send(ctx, ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrDeliveryFailed):
			h.logger.Debug("notify: pruning connection",
				zap.Int64("user_id", userID), zap.String("handle", string(handle)), zap.Error(err))
			failed = append(failed, handle)
			continue
		default:
			h.logger.Debug("notify: send skipped",
				zap.Int64("user_id", userID), zap.String("handle", string(handle)), zap.Error(err))
			continue
		}
		delivered++
	}
	if len(failed) == 0 {
		return delivered
	}

	h.mu.Lock()
	var pruned []Conn
	for _, handle := range failed {
		// A handle evicted or unregistered meanwhile is already gone.
		if e, ok := h.users[userID][handle]; ok {
			pruned = append(pruned, e.conn)
			h.removeLocked(userID, handle)
		}
	}
	h.mu.Unlock()
	for _, c := range pruned {
		c.Close()
	}
	return delivered
}

// Broadcast sends ev to every connected user except those in exclude. It
// is meant for system-wide announcements, never order events.
func (h *Hub) Broadcast(ctx context.Context, ev Event, exclude ...int64) int {
	h.mu.Lock()
	users := make([]int64, 0, len(h.users))
	for userID := range h.users {
		users = append(users, userID)
	}
	h.mu.Unlock()

	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	delivered := 0
	for _, userID := range users {
		if skip[userID] {
			continue
		}
		delivered += h.SendToUser(ctx, userID, ev)
	}
	return delivered
}

// Count returns the number of live connections for userID.
func (h *Hub) Count(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID])
}

// Stats returns the number of connected users and connections.
func (h *Hub) Stats() (users, conns int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.users {
		conns += len(c)
	}
	return len(h.users), conns
}

// Close closes every connection and rejects further registrations.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []Conn
	for _, conns := range h.users {
		for _, e := range conns {
			all = append(all, e.conn)
		}
	}
	h.users = make(map[int64]map[Handle]entry)
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	return nil
}
