package catalog

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdMirrorTTL bounds how long a mirrored entry survives a server crash
// that skips a clean Deregister — short enough that an operator watching
// etcd isn't misled for long, long enough that normal KeepAlive jitter
// doesn't flap the entry.
const etcdMirrorTTL = 15

// catalogPrefix namespaces mirrored entries away from anything else an
// operator might store in the same etcd cluster.
const catalogPrefix = "/restpipe/catalog/"

// EtcdMirror shadows Catalog.Register/Deregister into etcd so a second
// process (another server instance, an operator dashboard) can see which
// IPs are connected without reaching into this process's memory. It is
// adapted from a service-discovery registry: the same lease-based TTL
// registration, repurposed from "instances of a service" to "peers
// currently holding a connection".
type EtcdMirror struct {
	client *clientv3.Client
}

// NewEtcdMirror connects to the given etcd endpoints.
func NewEtcdMirror(endpoints []string) (*EtcdMirror, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &EtcdMirror{client: c}, nil
}

// Register puts /restpipe/catalog/{ip} under a short-TTL lease and starts
// a background KeepAlive. If the process dies without calling
// Deregister, the lease expires and the mirrored entry disappears on its
// own — no ghost entries survive a crash.
func (m *EtcdMirror) Register(ctx context.Context, ip string) error {
	lease, err := m.client.Grant(ctx, etcdMirrorTTL)
	if err != nil {
		return err
	}

	if _, err := m.client.Put(ctx, catalogPrefix+ip, "active", clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := m.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes the mirrored entry for ip.
func (m *EtcdMirror) Deregister(ctx context.Context, ip string) error {
	_, err := m.client.Delete(ctx, catalogPrefix+ip)
	return err
}

// Close releases the underlying etcd client.
func (m *EtcdMirror) Close() error {
	return m.client.Close()
}
