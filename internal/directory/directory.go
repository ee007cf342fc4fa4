// Package directory implements the device operator: a small etcd-backed
// write-through store mapping a device-id to the node currently serving
// it. It plays the role SPEC_FULL.md's Device Operator component
// describes, the same way internal/util/sessionutil keeps node liveness
// in etcd, just keyed by device rather than by server role.
package directory

import (
	"context"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	ejson "github.com/meshgate/gatewaysession/internal/json"
	"github.com/meshgate/gatewaysession/pkg/log"
	"github.com/meshgate/gatewaysession/pkg/util/merr"
)

const defaultRecordTTL = 10

// Record is the directory's on-the-wire value: which node is currently
// serving a device, under which session id, reachable at which address.
type Record struct {
	DeviceID  string `json:"deviceId"`
	ServerID  string `json:"serverId"`
	SessionID string `json:"sessionId"`
	Address   string `json:"address"`
}

// Client is the etcd-backed device operator directory. It owns its own
// etcd client rather than reaching into sessionutil.Session's private
// one, so the directory and node-membership concerns stay decoupled.
type Client struct {
	cli  *clientv3.Client
	root string
	ttl  int64
}

// New builds a directory Client rooted at root (e.g. "/meshgate/devices").
func New(cli *clientv3.Client, root string) *Client {
	return &Client{cli: cli, root: root, ttl: defaultRecordTTL}
}

func (c *Client) key(deviceID string) string {
	return path.Join(c.root, deviceID)
}

// TTL returns the lease duration Online grants each record, so callers
// driving a Renew loop can pick a safely shorter renewal interval.
func (c *Client) TTL() time.Duration {
	return time.Duration(c.ttl) * time.Second
}

// Online publishes rec under a leased key so that a crashed node's
// records expire on their own instead of leaking forever.
func (c *Client) Online(ctx context.Context, rec Record) error {
	grant, err := c.cli.Grant(ctx, c.ttl)
	if err != nil {
		return merr.Combine(merr.ErrOperatorFailed, err)
	}
	payload, err := ejson.Marshal(rec)
	if err != nil {
		return merr.Combine(merr.ErrOperatorFailed, err)
	}
	if _, err := c.cli.Put(ctx, c.key(rec.DeviceID), string(payload), clientv3.WithLease(grant.ID)); err != nil {
		return merr.Combine(merr.ErrOperatorFailed, err)
	}
	return nil
}

// Offline clears deviceID's record, if any.
func (c *Client) Offline(ctx context.Context, deviceID string) error {
	if _, err := c.cli.Delete(ctx, c.key(deviceID)); err != nil {
		return merr.Combine(merr.ErrOperatorFailed, err)
	}
	return nil
}

// Get returns deviceID's current record, or (nil, nil) if absent.
func (c *Client) Get(ctx context.Context, deviceID string) (*Record, error) {
	resp, err := c.cli.Get(ctx, c.key(deviceID))
	if err != nil {
		return nil, merr.Combine(merr.ErrRemoteUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	rec := &Record{}
	if err := ejson.Unmarshal(resp.Kvs[0].Value, rec); err != nil {
		return nil, errors.Wrap(err, "directory: malformed record")
	}
	return rec, nil
}

// List enumerates every record under root, optionally filtered to a
// single serverID ("" means no filter).
func (c *Client) List(ctx context.Context, serverID string) ([]Record, error) {
	resp, err := c.cli.Get(ctx, c.root+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, merr.Combine(merr.ErrRemoteUnavailable, err)
	}
	out := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec := Record{}
		if err := ejson.Unmarshal(kv.Value, &rec); err != nil {
			log.Ctx(ctx).Warn("directory: skipping malformed record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		if serverID != "" && rec.ServerID != serverID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the total number of records under root.
func (c *Client) Count(ctx context.Context) (int64, error) {
	resp, err := c.cli.Get(ctx, c.root+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, merr.Combine(merr.ErrRemoteUnavailable, err)
	}
	return resp.Count, nil
}

// Renew is a convenience for Online on a fixed TTL clock; callers that
// need a longer-lived record should re-call Online before it lapses.
func (c *Client) Renew(ctx context.Context, rec Record, every time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := c.Online(ctx, rec); err != nil {
					log.Ctx(ctx).Warn("directory: renew failed", zap.String("deviceId", rec.DeviceID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(stopCh) }
}
