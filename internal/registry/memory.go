package registry

import (
	"context"
	"sync"
)

// Memory is a process-local registry. It is linearizable within one process,
// which is enough for a single-host fabric and for tests.
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{records: map[string][]byte{}}
}

func (m *Memory) Get(ctx context.Context, id string) (InstallRecord, error) {
	if err := ctx.Err(); err != nil {
		return InstallRecord{}, err
	}
	m.mu.Lock()
	data, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return InstallRecord{}, ErrNotFound
	}
	return decode(data)
}

func (m *Memory) Put(ctx context.Context, id string, rec InstallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[id] = []byte(data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, id string, rec InstallRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := encode(rec)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; ok {
		return false, nil
	}
	m.records[id] = []byte(data)
	return true, nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
