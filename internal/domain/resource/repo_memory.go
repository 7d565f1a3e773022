package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

type resourceKey struct {
	resourceType string
	id           string
}

// MemoryRepository keeps resources in process memory. It is also a
// fhir.TransactionScope: writes made under a transaction context are
// undone on rollback. Transactions are serialized; reads see uncommitted
// writes.
type MemoryRepository struct {
	mu       sync.RWMutex
	versions map[resourceKey][]*Version

	txSem chan struct{}
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		versions: make(map[resourceKey][]*Version),
		txSem:    make(chan struct{}, 1),
	}
}

func (r *MemoryRepository) Current(_ context.Context, resourceType, id string) (*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := r.versions[resourceKey{resourceType, id}]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	return vs[len(vs)-1].clone(), nil
}

func (r *MemoryRepository) Version(_ context.Context, resourceType, id string, versionID int) (*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := r.versions[resourceKey{resourceType, id}]
	if versionID < 1 || versionID > len(vs) {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, versionID, ErrNotFound)
	}
	return vs[versionID-1].clone(), nil
}

func (r *MemoryRepository) Save(ctx context.Context, v *Version) error {
	key := resourceKey{v.ResourceType, v.ID}

	r.mu.Lock()
	defer r.mu.Unlock()
	vs := r.versions[key]
	if v.VersionID != len(vs)+1 {
		return fmt.Errorf("%s: expected version %d, got %d: %w", v.Reference(), len(vs)+1, v.VersionID, ErrVersionConflict)
	}
	r.versions[key] = append(vs, v.clone())

	if tx := r.txFrom(ctx); tx != nil {
		tx.undo = append(tx.undo, key)
	}
	return nil
}

func (r *MemoryRepository) History(_ context.Context, resourceType, id string) ([]*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Version
	for key, vs := range r.versions {
		if key.resourceType != resourceType || (id != "" && key.id != id) {
			continue
		}
		for _, v := range vs {
			out = append(out, v.clone())
		}
	}
	if id != "" && len(out) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].VersionID > out[j].VersionID
	})
	return out, nil
}

func (r *MemoryRepository) Search(_ context.Context, resourceType string, criteria Criteria, limit int) ([]*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Version
	for key, vs := range r.versions {
		if key.resourceType != resourceType {
			continue
		}
		cur := vs[len(vs)-1]
		if cur.Deleted || !criteria.Matches(cur.Content) {
			continue
		}
		out = append(out, cur.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored resources, deleted ones included.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions)
}

type memTxKey struct{}

// memTx is an open memory transaction. A nested transaction shares the
// parent's undo log and rolls back to the position it started at.
type memTx struct {
	repo   *MemoryRepository
	parent *memTx
	mark   int
	undo   []resourceKey
	done   bool
}

func (r *MemoryRepository) txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	if tx == nil || tx.repo != r {
		return nil
	}
	return r.rootOf(tx)
}

// Begin implements fhir.TransactionScope. A top-level transaction waits
// until no other transaction is open.
func (r *MemoryRepository) Begin(ctx context.Context) (context.Context, fhir.Tx, error) {
	if root := r.txFrom(ctx); root != nil {
		r.mu.RLock()
		mark := len(root.undo)
		r.mu.RUnlock()
		tx := &memTx{repo: r, parent: root, mark: mark}
		return context.WithValue(ctx, memTxKey{}, tx), tx, nil
	}

	select {
	case r.txSem <- struct{}{}:
	case <-ctx.Done():
		return ctx, nil, fmt.Errorf("begin transaction: %w", ctx.Err())
	}
	tx := &memTx{repo: r}
	return context.WithValue(ctx, memTxKey{}, tx), tx, nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	if t.parent == nil {
		<-t.repo.txSem
	}
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	r := t.repo
	root := r.rootOf(t)
	r.mu.Lock()
	for i := len(root.undo) - 1; i >= t.mark; i-- {
		key := root.undo[i]
		vs := r.versions[key]
		if len(vs) <= 1 {
			delete(r.versions, key)
		} else {
			r.versions[key] = vs[:len(vs)-1]
		}
	}
	root.undo = root.undo[:t.mark]
	r.mu.Unlock()

	if t.parent == nil {
		<-r.txSem
	}
	return nil
}

func (r *MemoryRepository) rootOf(t *memTx) *memTx {
	for t.parent != nil {
		t = t.parent
	}
	return t
}
