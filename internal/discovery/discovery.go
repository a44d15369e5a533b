// Package discovery registers a role's (hostname, port) under an etcd
// lease so that copilots can resolve which control-tower host owns a
// given room (§6's host-identification contract leaves discovery to an
// external collaborator; this is the one we provide). Grounded on
// gnode/node.go's etcdKeepAlive/etcdRevoke lease dance.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rocketspeed-go/core/internal/lg"
)

// HostInfo is the value registered under a room's key.
type HostInfo struct {
	HostID   string `json:"host_id"`
	Address  string `json:"address"`
	RoomID   uint32 `json:"room_id"`
	JoinedAt string `json:"joined_at"`
}

// Registry keeps one etcd lease alive and republishes HostInfo for every
// room this process owns, under keyPrefix + "/rooms/<room>/<host_id>".
type Registry struct {
	cli       *clientv3.Client
	keyPrefix string
	hostID    string
	address   string
	ttl       int64
	logf      lg.Func

	leaseID clientv3.LeaseID
}

// New dials etcd at endpoints. hostID should come from internal/hostid.
func New(endpoints []string, keyPrefix, hostID, address string, logf lg.Func) (*Registry, error) {
	if logf == nil {
		logf = lg.Discard
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: create etcd client: %w", err)
	}
	return &Registry{cli: cli, keyPrefix: keyPrefix, hostID: hostID, address: address, ttl: 30, logf: logf}, nil
}

func (r *Registry) roomKey(roomID uint32) string {
	return fmt.Sprintf("%s/rooms/%d/%s", r.keyPrefix, roomID, r.hostID)
}

// Register grants a lease, publishes info for every room this host owns,
// and keeps the lease alive in the background until ctx is cancelled.
// It returns once the initial Put succeeds.
func (r *Registry) Register(ctx context.Context, rooms []uint32) error {
	grantCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	resp, err := r.cli.Grant(grantCtx, r.ttl)
	cancel()
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}
	r.leaseID = resp.ID

	for _, room := range rooms {
		info := HostInfo{HostID: r.hostID, Address: r.address, RoomID: room, JoinedAt: time.Now().Format(time.RFC3339)}
		value, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("discovery: marshal host info: %w", err)
		}
		putCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = r.cli.Put(putCtx, r.roomKey(room), string(value), clientv3.WithLease(resp.ID))
		cancel()
		if err != nil {
			return fmt.Errorf("discovery: put %s: %w", r.roomKey(room), err)
		}
	}

	ch, err := r.cli.KeepAlive(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("discovery: keepalive: %w", err)
	}
	go r.drainKeepAlive(ctx, ch)
	return nil
}

func (r *Registry) drainKeepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for {
		select {
		case <-ctx.Done():
			r.revoke()
			return
		case ka, ok := <-ch:
			if !ok {
				r.logf(lg.WARN, "discovery: keepalive channel closed, revoking lease")
				r.revoke()
				return
			}
			r.logf(lg.DEBUG, "discovery: lease keepalive ttl=%d", ka.TTL)
		}
	}
}

func (r *Registry) revoke() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := r.cli.Revoke(ctx, r.leaseID); err != nil {
		r.logf(lg.WARN, "discovery: revoke lease: %v", err)
	}
}

// ResolveRoom looks up which host currently owns roomID, or ok=false if
// nothing is registered for it.
func (r *Registry) ResolveRoom(ctx context.Context, roomID uint32) (HostInfo, bool, error) {
	prefix := fmt.Sprintf("%s/rooms/%d/", r.keyPrefix, roomID)
	resp, err := r.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithLimit(1))
	if err != nil {
		return HostInfo{}, false, fmt.Errorf("discovery: get %s: %w", prefix, err)
	}
	if len(resp.Kvs) == 0 {
		return HostInfo{}, false, nil
	}
	var info HostInfo
	if err := json.Unmarshal(resp.Kvs[0].Value, &info); err != nil {
		return HostInfo{}, false, fmt.Errorf("discovery: unmarshal host info: %w", err)
	}
	return info, true, nil
}

// Close releases the underlying etcd client.
func (r *Registry) Close() error {
	return r.cli.Close()
}
