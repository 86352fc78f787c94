package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func backends(t *testing.T) map[string]Registry {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "installs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	out := map[string]Registry{
		"memory": NewMemory(),
		"sqlite": sq,
	}
	// etcd runs only when an endpoint is provided.
	if ep := os.Getenv("CLUSTERCTL_TEST_ETCD"); ep != "" {
		et, err := NewEtcd(strings.Split(ep, ","), 5*time.Second)
		if err != nil {
			t.Fatalf("open etcd: %v", err)
		}
		t.Cleanup(func() { _ = et.Close() })
		out["etcd"] = et
	}
	return out
}

func TestRegistryCRUD(t *testing.T) {
	for name, reg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			if _, err := reg.Get(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			ok, err := reg.PutIfAbsent(ctx, id, InstallRecord{TopologyID: id, Owner: "host-1", State: StateInstalling})
			if err != nil || !ok {
				t.Fatalf("first claim: ok=%v err=%v", ok, err)
			}
			ok, err = reg.PutIfAbsent(ctx, id, InstallRecord{TopologyID: id, Owner: "host-2", State: StateInstalling})
			if err != nil || ok {
				t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
			}
			if err := reg.Put(ctx, id, InstallRecord{TopologyID: id, Owner: "host-1", State: StateInstalled, Location: "/opt/kit"}); err != nil {
				t.Fatalf("put: %v", err)
			}
			rec, err := reg.Get(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if rec.Owner != "host-1" || rec.State != StateInstalled || rec.Location != "/opt/kit" {
				t.Fatalf("unexpected record %+v", rec)
			}
			if err := reg.Remove(ctx, id); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, err := reg.Get(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after remove, got %v", err)
			}
		})
	}
}

func TestPutIfAbsentSingleWinner(t *testing.T) {
	for name, reg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := reg.PutIfAbsent(ctx, id, InstallRecord{TopologyID: id, State: StateInstalling})
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins)
			}
		})
	}
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	for name, reg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := reg.Ping(ctx); err != nil {
				t.Fatalf("ping: %v", err)
			}
		})
	}

	sq, err := NewSQLite(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = sq.Close()
	if err := sq.Ping(ctx); err == nil {
		t.Fatalf("expected ping on a closed database to fail")
	}
}

func TestOpen(t *testing.T) {
	if _, err := Open(Config{Backend: "etcd"}); err == nil {
		t.Fatalf("expected error for etcd without endpoints")
	}
	if _, err := Open(Config{Backend: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	reg, err := Open(Config{})
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	if _, ok := reg.(*Memory); !ok {
		t.Fatalf("default backend should be memory, got %T", reg)
	}
}
