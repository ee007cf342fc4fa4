// Package devicesession implements the per-node device session registry:
// a single-flight load cell per device-id (Session Ref), a concurrent
// registry of those cells (Local Registry), a periodic liveness sweep,
// a register/unregister event bus, and the abstract cluster contract a
// node needs to answer "where is this device online" questions.
package devicesession

import "context"

// WrapKindParent identifies the wrapped session a child device session
// carries a back-reference to, via Session.Unwrap.
const WrapKindParent = "parent"

// Session is the live connection state for one device on one node. The
// core treats it opaquely: it never inspects a concrete implementation,
// only calls these methods.
type Session interface {
	// ID is the session's own identity, distinct from DeviceID: a device
	// may be re-registered under a new session ID without changing
	// DeviceID (see IsChanged).
	ID() string
	// DeviceID is the registry key this session is addressed by.
	DeviceID() string
	// IsAliveAsync reports whether the underlying connection is still
	// alive. Implementations should respect ctx cancellation.
	IsAliveAsync(ctx context.Context) (bool, error)
	// Close tears down the underlying connection. Close must be
	// idempotent: the pipeline may call it more than once on the same
	// session during a replacement.
	Close(ctx context.Context) error
	// ClientAddress is the remote address to record in the device
	// operator's directory, or "" if not applicable.
	ClientAddress() string
	// Operator returns the write-through collaborator for this session,
	// or nil for an anonymous/transient session that is tracked locally
	// only and never published to the directory.
	Operator() Operator
	// IsChanged reports whether other represents a different physical
	// connection than the receiver, even though both may be registered
	// under the same device-id (e.g. reconnect with a new session id).
	IsChanged(other Session) bool
	// IsWrapFrom reports whether the session wraps another session of
	// the given kind (see WrapKindParent).
	IsWrapFrom(kind string) bool
	// Unwrap returns the wrapped session of the given kind, if any.
	Unwrap(kind string) (Session, bool)
}

// Operator is the external device operator directory: the service that
// records "device D is online at node N" for global lookup. The core
// write-throughs to it on register/unregister; it never reads from it
// directly.
type Operator interface {
	// Online publishes serverID/sessionID/address as the current owner
	// of this device.
	Online(ctx context.Context, serverID, sessionID, address string) error
	// Offline clears the directory record this operator was publishing.
	Offline(ctx context.Context) error
	// ServerID is the server id last recorded as owning this device,
	// per the operator's own bookkeeping (used by EvictCluster to decide
	// whether an administrative remove needs to clear a remote record).
	ServerID() string
}

// EventTag distinguishes a Device Session Event's lifecycle direction.
type EventTag int

const (
	// EventRegister fires during the first load of a ref that carries an
	// operator, once the online write-through has succeeded and before
	// the loaded value is handed to waiters. Sessions without an operator
	// fire no register event.
	EventRegister EventTag = iota
	// EventUnregister fires when a session that carries an operator is
	// evicted locally: by the Liveness Sweeper, GetSession's liveness
	// gate, a parent's child check, Remove, or EvictCluster. A failed or
	// empty load does not fire it.
	EventUnregister
)

func (t EventTag) String() string {
	switch t {
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	default:
		return "unknown"
	}
}

// Event is fired on the Event Bus for every register/unregister
// transition observed by this node.
type Event struct {
	Tag EventTag
	// Session is the session that registered or was evicted.
	Session Session
	// RemoteExists reports, at the time of the event, whether the
	// cluster contract believes the device is still reachable on some
	// other node.
	RemoteExists bool
}

// Loader produces a Session for a device-id's Session Ref. A Loader that
// returns (nil, nil) signals "no session" (loadEmpty); ctx is bounded by
// Config.SessionLoadTimeout.
type Loader func(ctx context.Context) (Session, error)

// SessionUpdater builds a replacement Loader given the Ref's best-known
// current session (nil if none loaded yet). It is the Go analogue of the
// reactive "s -> s.flatMap(updater)" pipeline step: current is a
// best-effort snapshot, not an awaited value, since Go loaders are plain
// functions rather than lazily-composed publishers.
type SessionUpdater func(current Session) Loader
