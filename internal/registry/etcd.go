package registry

import (
	"context"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const installKeyPrefix = "/clusterctl/installs"

func installKey(id string) string {
	return path.Join(installKeyPrefix, id)
}

// Etcd keeps install records in etcd. PutIfAbsent is a transaction guarded
// on the key's create revision.
type Etcd struct {
	etcd *clientv3.Client
}

func NewEtcd(endpoints []string, dialTimeout time.Duration) (*Etcd, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Etcd{etcd: clnt}, nil
}

// NewEtcdFromClient wraps an existing client; Close will close it.
func NewEtcdFromClient(c *clientv3.Client) *Etcd {
	return &Etcd{etcd: c}
}

func (e *Etcd) Get(ctx context.Context, id string) (InstallRecord, error) {
	resp, err := e.etcd.KV.Get(ctx, installKey(id))
	if err != nil {
		return InstallRecord{}, fmt.Errorf("failed to get install %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return InstallRecord{}, ErrNotFound
	}
	return decode(resp.Kvs[0].Value)
}

func (e *Etcd) Put(ctx context.Context, id string, rec InstallRecord) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if _, err := e.etcd.KV.Put(ctx, installKey(id), data); err != nil {
		return fmt.Errorf("failed to put install %s: %w", id, err)
	}
	return nil
}

func (e *Etcd) PutIfAbsent(ctx context.Context, id string, rec InstallRecord) (bool, error) {
	data, err := encode(rec)
	if err != nil {
		return false, err
	}
	key := installKey(id)
	resp, err := e.etcd.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
	).Then(
		clientv3.OpPut(key, data),
	).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to claim install %s: %w", id, err)
	}
	return resp.Succeeded, nil
}

func (e *Etcd) Remove(ctx context.Context, id string) error {
	if _, err := e.etcd.KV.Delete(ctx, installKey(id)); err != nil {
		return fmt.Errorf("failed to remove install %s: %w", id, err)
	}
	return nil
}

func (e *Etcd) Ping(ctx context.Context) error {
	if _, err := e.etcd.KV.Get(ctx, installKeyPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("failed to reach etcd: %w", err)
	}
	return nil
}

func (e *Etcd) Close() error { return e.etcd.Close() }
