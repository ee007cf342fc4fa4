package cluster

import (
	"context"
	"sync"

	"github.com/meshgate/gatewaysession/internal/directory"
)

// Operator is the devicesession.Operator a transport adapter attaches
// to a Session so the core's write-through calls reach this node's
// directory.Client. ServerID reports the owner last published, which
// EvictCluster compares against the local node id to decide whether an
// administrative remove needs to clear a remote record.
type Operator struct {
	dir      *directory.Client
	deviceID string
	serverID string

	mu        sync.Mutex
	published bool
	stopRenew func()
}

// NewOperator binds an Operator for deviceID, owned by serverID.
func NewOperator(dir *directory.Client, deviceID, serverID string) *Operator {
	return &Operator{dir: dir, deviceID: deviceID, serverID: serverID}
}

// Online publishes the device's directory record and starts a
// background Renew loop so the record's lease keeps getting refreshed
// for as long as the device connection stays up, rather than expiring
// at the TTL even while the device is still online.
func (o *Operator) Online(ctx context.Context, serverID, sessionID, address string) error {
	rec := directory.Record{DeviceID: o.deviceID, ServerID: serverID, SessionID: sessionID, Address: address}
	if err := o.dir.Online(ctx, rec); err != nil {
		return err
	}
	o.mu.Lock()
	o.serverID = serverID
	o.published = true
	if o.stopRenew != nil {
		o.stopRenew()
	}
	// Renew outlives this call's context: it must keep refreshing the
	// lease for as long as the device connection stays up, not just
	// until whatever triggered this Online call returns.
	o.stopRenew = o.dir.Renew(context.Background(), rec, o.dir.TTL()/3)
	o.mu.Unlock()
	return nil
}

func (o *Operator) Offline(ctx context.Context) error {
	o.mu.Lock()
	published := o.published
	o.published = false
	if o.stopRenew != nil {
		o.stopRenew()
		o.stopRenew = nil
	}
	o.mu.Unlock()
	if !published {
		return nil
	}
	return o.dir.Offline(ctx, o.deviceID)
}

func (o *Operator) ServerID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.serverID
}
