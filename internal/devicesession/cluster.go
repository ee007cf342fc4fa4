package devicesession

import "context"

// SessionInfo is a lightweight, serializable snapshot of a session used
// by GetSessionInfo and by the Cluster Contract's remote enumeration.
type SessionInfo struct {
	DeviceID string
	ServerID string
	Address  string
}

// ClusterContract is the abstract collaborator the core demands from
// whatever owns node membership and the device operator directory. The
// core never talks to etcd, gRPC, or the directory itself: it only ever
// sees this interface (§4.5). internal/cluster.Contract is the concrete
// implementation wired in by the application.
type ClusterContract interface {
	// RemoteSessionIsAlive is a cheap cache/gossip-backed query, used for
	// the register-time remoteExists flag and non-authoritative IsAlive.
	RemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error)
	// CheckRemoteSessionIsAlive is authoritative and may probe peers
	// directly; used by CheckAlive when the local check is unavailable.
	CheckRemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error)
	// RemoveRemoteSession asks peers to evict deviceID and reports how
	// many of them actually held it.
	RemoveRemoteSession(ctx context.Context, deviceID string) (int, error)
	// RemoteTotalSessions returns the cluster-wide session count, not
	// counting this node's own local registry.
	RemoteTotalSessions(ctx context.Context) (int64, error)
	// RemoteSessions enumerates known sessions, optionally filtered to a
	// single serverID ("" means all servers).
	RemoteSessions(ctx context.Context, serverID string) ([]SessionInfo, error)
	// InitSessionConnection asks whether deviceId still has a live
	// connection on some other node; used during local close to decide
	// the unregister event's RemoteExists flag.
	InitSessionConnection(ctx context.Context, s Session) (bool, error)
	// CurrentServerID is this node's own stable identifier.
	CurrentServerID() string
}
