package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/ashita-ai/qcflow/internal/model"
)

// Memory is an in-process repository. Stored objects are kept encoded, so
// every retrieval returns an independent copy.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]record // path -> versions sorted by validFrom
}

// NewMemory creates an empty in-process repository.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]record)}
}

// StoreMO implements Repository.
func (m *Memory) StoreMO(_ context.Context, mo *model.MonitorObject) error {
	r, err := moRecord(mo)
	if err != nil {
		return err
	}
	m.put(r)
	return nil
}

// StoreQO implements Repository.
func (m *Memory) StoreQO(_ context.Context, qo *model.QualityObject) error {
	r, err := qoRecord(qo)
	if err != nil {
		return err
	}
	m.put(r)
	return nil
}

func (m *Memory) put(r record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.records[r.path]
	// Insert after every version with the same or an older timestamp so a
	// later store wins ties.
	i, _ := slices.BinarySearchFunc(versions, r.validFrom+1, func(e record, ts int64) int {
		return cmp.Compare(e.validFrom, ts)
	})
	m.records[r.path] = slices.Insert(versions, i, r)
}

func (m *Memory) find(q query) (record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.records[q.path]
	for i := len(versions) - 1; i >= 0; i-- {
		r := versions[i]
		if r.kind != q.kind || (q.timestamp >= 0 && r.validFrom > q.timestamp) {
			continue
		}
		if q.activity.Matches(r.activity) {
			return r, true
		}
	}
	return record{}, false
}

// RetrieveMO implements Repository.
func (m *Memory) RetrieveMO(_ context.Context, path, name string, timestamp int64, activity model.Activity) (*model.MonitorObject, error) {
	q := query{path: path + "/" + name, kind: kindMO, timestamp: timestamp, activity: activity}
	r, ok := m.find(q)
	if !ok {
		return nil, notFound(q)
	}
	return decodeMO(r.data, r.validFrom)
}

// RetrieveQO implements Repository.
func (m *Memory) RetrieveQO(_ context.Context, path string, timestamp int64, activity model.Activity) (*model.QualityObject, error) {
	q := query{path: path, kind: kindQO, timestamp: timestamp, activity: activity}
	r, ok := m.find(q)
	if !ok {
		return nil, notFound(q)
	}
	return decodeQO(r.data, r.validFrom)
}

// ListVersions implements Repository.
func (m *Memory) ListVersions(_ context.Context, path string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for _, r := range m.records[path] {
		if len(out) == 0 || out[len(out)-1] != r.validFrom {
			out = append(out, r.validFrom)
		}
	}
	return out, nil
}

// Close implements Repository.
func (m *Memory) Close() error { return nil }
