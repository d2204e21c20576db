package backlog

import (
	"context"
)

type memoryContext struct {
	base    uint64
	records []*Record
}

func (mc *memoryContext) next() uint64 {
	return mc.base + uint64(len(mc.records))
}

// memoryStore keeps records in memory. Records are lost when the process
// exits.
type memoryStore struct {
	contexts map[string]*memoryContext
}

var _ Store = (*memoryStore)(nil)

func NewMemoryStore() Store {
	return &memoryStore{contexts: make(map[string]*memoryContext)}
}

func (ms *memoryStore) get(name string) *memoryContext {
	mc, ok := ms.contexts[name]
	if !ok {
		mc = &memoryContext{base: 1}
		ms.contexts[name] = mc
	}
	return mc
}

func (ms *memoryStore) Append(ctx context.Context, name string, rec *Record) (uint64, error) {
	mc := ms.get(name)
	seq := mc.next()
	stored := *rec
	stored.Seq = seq
	mc.records = append(mc.records, &stored)
	return seq, nil
}

func (ms *memoryStore) Load(ctx context.Context, name string) ([]*Record, error) {
	mc := ms.get(name)
	recs := make([]*Record, len(mc.records))
	for i, rec := range mc.records {
		cp := *rec
		recs[i] = &cp
	}
	return recs, nil
}

func (ms *memoryStore) Reset(ctx context.Context, name string, rec *Record) (uint64, error) {
	mc := ms.get(name)
	mc.base = mc.next()
	mc.records = nil
	return ms.Append(ctx, name, rec)
}

func (ms *memoryStore) Discard(ctx context.Context, name string, upTo uint64) (int, error) {
	mc := ms.get(name)
	if upTo < mc.base || len(mc.records) == 0 {
		return 0, nil
	}
	k := upTo - mc.base + 1
	if k > uint64(len(mc.records)) {
		k = uint64(len(mc.records))
	}
	mc.records = append([]*Record(nil), mc.records[k:]...)
	mc.base += k
	return int(k), nil
}

func (ms *memoryStore) Bounds(ctx context.Context, name string) (first, next uint64, err error) {
	mc := ms.get(name)
	return mc.base, mc.next(), nil
}

func (ms *memoryStore) Close() error {
	ms.contexts = nil
	return nil
}
