package recon

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/donorhub/reconcile/internal/idgen"
	"github.com/donorhub/reconcile/internal/pagination"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory run store for demo/development mode.
type MemoryStore struct {
	runs  map[string]*Run
	items map[string][]*Item // keyed by run id, insertion order
	seq   *atomic.Int64      // shared with rollback clones: like a DB sequence, numbers survive rollback
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*Run),
		items: make(map[string][]*Item),
		seq:   &atomic.Int64{},
	}
}

func (m *MemoryStore) NextRunNumber(ctx context.Context) (string, error) {
	return idgen.RunNumber(time.Now().UTC().Year(), m.seq.Add(1)), nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *Run, items []*Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyRun(run)
	m.runs[run.ID] = cp
	m.items[run.ID] = copyItems(items)
	return nil
}

func (m *MemoryStore) FinalizeRun(ctx context.Context, run *Run, items []*Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	m.runs[run.ID] = copyRun(run)
	if items != nil {
		m.items[run.ID] = copyItems(items)
	}
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok || run.DeletedAt != nil {
		return nil, ErrRunNotFound
	}
	cp := copyRun(run)
	cp.Items = copyItems(m.items[id])
	return cp, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, f RunFilter) ([]*Run, string, error) {
	f.Normalize()
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	var all []*Run
	for _, run := range m.runs {
		if run.DeletedAt != nil {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		if f.County != "" && run.County != f.County {
			continue
		}
		if f.From != nil && run.StartedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && run.StartedAt.After(*f.To) {
			continue
		}
		all = append(all, copyRun(run))
	}
	m.mu.RUnlock()

	// Newest first, id as a stable secondary key.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID > all[j].ID
	})

	if cursor != nil {
		idx := 0
		for idx < len(all) {
			r := all[idx]
			if r.StartedAt.Before(cursor.StartedAt) ||
				(r.StartedAt.Equal(cursor.StartedAt) && r.ID < cursor.ID) {
				break
			}
			idx++
		}
		all = all[idx:]
	}

	if len(all) > f.Limit+1 {
		all = all[:f.Limit+1]
	}
	page, next, _ := pagination.ComputePage(all, f.Limit, func(r *Run) (time.Time, string) {
		return r.StartedAt, r.ID
	})
	if page == nil {
		page = []*Run{}
	}
	return page, next, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok || run.DeletedAt != nil {
		return ErrRunNotFound
	}
	now := time.Now().UTC()
	run.DeletedAt = &now
	run.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context, from, to *time.Time) (*StatsReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := &StatsReport{RunsByStatus: make(map[RunStatus]int)}
	for _, run := range m.runs {
		if run.DeletedAt != nil {
			continue
		}
		if from != nil && run.StartedAt.Before(*from) {
			continue
		}
		if to != nil && run.StartedAt.After(*to) {
			continue
		}
		report.TotalRuns++
		report.RunsByStatus[run.Status]++
		report.TotalMatched += run.TotalMatched
		report.TotalUnmatchedApp += run.TotalUnmatchedApp
		report.TotalUnmatchedGateway += run.TotalUnmatchedGateway
		report.TotalAmountMismatch += run.TotalAmountMismatch
		report.TotalDiscrepancy = report.TotalDiscrepancy.Add(run.TotalDiscrepancy)
	}
	return report, nil
}

func (m *MemoryStore) StreamItems(ctx context.Context, runID string, status ItemStatus, fn func(*Item) error) error {
	m.mu.RLock()
	run, ok := m.runs[runID]
	if !ok || run.DeletedAt != nil {
		m.mu.RUnlock()
		return ErrRunNotFound
	}
	items := copyItems(m.items[runID])
	m.mu.RUnlock()

	for _, it := range items {
		if status != "" && it.Status != status {
			continue
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

// InRollback runs fn against a throwaway clone of the store. The clone shares
// the run-number sequence (sequences are not transactional in real databases
// either) but all other writes are discarded.
func (m *MemoryStore) InRollback(ctx context.Context, fn func(Store) error) error {
	m.mu.RLock()
	clone := &MemoryStore{
		runs:  make(map[string]*Run, len(m.runs)),
		items: make(map[string][]*Item, len(m.items)),
		seq:   m.seq,
	}
	for id, run := range m.runs {
		clone.runs[id] = copyRun(run)
	}
	for id, items := range m.items {
		clone.items[id] = copyItems(items)
	}
	m.mu.RUnlock()

	return fn(clone)
}

func copyRun(run *Run) *Run {
	cp := *run
	cp.Items = nil
	return &cp
}

func copyItems(items []*Item) []*Item {
	if items == nil {
		return nil
	}
	out := make([]*Item, len(items))
	for i, it := range items {
		c := *it
		out[i] = &c
	}
	return out
}
