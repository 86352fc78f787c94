// Package registry holds the cross-host install records, one per topology.
//
// Every backend must make PutIfAbsent atomic: it is the only primitive that
// decides which host installs a topology's kit.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/clusterctl/pkg/api"
)

var ErrNotFound = errors.New("install record not found")

type InstallState string

const (
	StateInstalling InstallState = "installing"
	StateInstalled  InstallState = "installed"
)

// InstallRecord says where a topology's kit lives and which host put it there.
type InstallRecord struct {
	TopologyID string           `json:"topology_id"`
	Location   string           `json:"location,omitempty"`
	Owner      string           `json:"owner"`
	State      InstallState     `json:"state"`
	Topology   api.TopologySpec `json:"topology"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type Registry interface {
	// Get returns ErrNotFound when no record exists for id.
	Get(ctx context.Context, id string) (InstallRecord, error)
	Put(ctx context.Context, id string, rec InstallRecord) error
	// PutIfAbsent stores rec only if id has no record and reports whether it did.
	PutIfAbsent(ctx context.Context, id string, rec InstallRecord) (bool, error)
	Remove(ctx context.Context, id string) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

func encode(rec InstallRecord) (string, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode install record: %w", err)
	}
	return string(b), nil
}

func decode(data []byte) (InstallRecord, error) {
	var rec InstallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode install record: %w", err)
	}
	return rec, nil
}
