// Package cluster wires the abstract devicesession.ClusterContract to
// this node's actual membership and directory backends: node liveness
// through internal/util/sessionutil's etcd session watch, and the
// device-to-node mapping through internal/directory's etcd-backed
// operator store.
package cluster

import (
	"context"

	"github.com/meshgate/gatewaysession/internal/devicesession"
	"github.com/meshgate/gatewaysession/internal/directory"
	"github.com/meshgate/gatewaysession/pkg/util/merr"
)

// Contract implements devicesession.ClusterContract on top of a single
// directory.Client. Node-membership queries are folded into the same
// directory lookup: a record owned by another node is taken as proof of
// liveness there, since Online is always republished on a lease (§4.5's
// remoteSessionIsAlive has no cheaper signal available without a
// separate gossip layer, which SPEC_FULL.md scopes out as a Non-goal).
type Contract struct {
	dir      *directory.Client
	serverID string
}

// New builds a Contract bound to dir, identifying this node as serverID.
func New(dir *directory.Client, serverID string) *Contract {
	return &Contract{dir: dir, serverID: serverID}
}

func (c *Contract) CurrentServerID() string { return c.serverID }

func (c *Contract) RemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error) {
	rec, err := c.dir.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	// A record this node published itself says nothing about a remote
	// session.
	return rec != nil && rec.ServerID != c.serverID, nil
}

// CheckRemoteSessionIsAlive is the authoritative counterpart of
// RemoteSessionIsAlive. The directory has no cheaper cached view to
// fall back to, so it re-runs the same etcd read; a real gossip cache
// would make the two diverge.
func (c *Contract) CheckRemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error) {
	return c.RemoteSessionIsAlive(ctx, deviceID)
}

func (c *Contract) RemoveRemoteSession(ctx context.Context, deviceID string) (int, error) {
	rec, err := c.dir.Get(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	if err := c.dir.Offline(ctx, deviceID); err != nil {
		return 0, merr.Combine(merr.ErrRemoteUnavailable, err)
	}
	return 1, nil
}

func (c *Contract) RemoteTotalSessions(ctx context.Context) (int64, error) {
	recs, err := c.dir.List(ctx, "")
	if err != nil {
		return 0, err
	}
	// This node's own records are counted by the Local Registry.
	var total int64
	for _, r := range recs {
		if r.ServerID != c.serverID {
			total++
		}
	}
	return total, nil
}

func (c *Contract) RemoteSessions(ctx context.Context, serverID string) ([]devicesession.SessionInfo, error) {
	recs, err := c.dir.List(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := make([]devicesession.SessionInfo, 0, len(recs))
	for _, r := range recs {
		if r.ServerID == c.serverID {
			// This node's own records are reported by the Local
			// Registry directly; skip them here to avoid double count.
			continue
		}
		out = append(out, devicesession.SessionInfo{DeviceID: r.DeviceID, ServerID: r.ServerID, Address: r.Address})
	}
	return out, nil
}

// InitSessionConnection reports whether deviceID has a directory record
// owned by some node other than this one. Per spec.md §9 open question
// (a), this is a plain presence check, not an identity compare against
// a specific session: a same-tick re-register can be mislabelled as
// "still exists elsewhere" and that imprecision is accepted as-is.
func (c *Contract) InitSessionConnection(ctx context.Context, s devicesession.Session) (bool, error) {
	rec, err := c.dir.Get(ctx, s.DeviceID())
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return rec.ServerID != c.serverID, nil
}
