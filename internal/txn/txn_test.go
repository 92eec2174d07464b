package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tidepooldb/tidepool/internal/types"
)

func TestMergeMutationInsertThenUpdateMerges(t *testing.T) {
	table := newMergeTable()
	table.apply(types.Mutation{
		GlobalKey: "todos/1",
		Type:      types.MutationInsert,
		Changes:   map[string]any{"title": "buy milk"},
	})

	out := table.apply(types.Mutation{
		GlobalKey: "todos/1",
		Type:      types.MutationUpdate,
		Changes:   map[string]any{"done": true},
	})

	if assert.Len(t, out, 1) {
		m := out[0]
		assert.Equal(t, types.MutationInsert, m.Type, "insert+update should stay an insert")
		assert.Equal(t, "buy milk", m.Changes["title"])
		assert.Equal(t, true, m.Changes["done"])
	}
}

func TestMergeMutationInsertThenDeleteAnnihilates(t *testing.T) {
	table := newMergeTable()
	table.apply(types.Mutation{GlobalKey: "todos/1", Type: types.MutationInsert})
	out := table.apply(types.Mutation{GlobalKey: "todos/1", Type: types.MutationDelete})

	assert.Empty(t, out, "insert immediately followed by delete should leave no trace")
}

func TestMergeMutationUpdateThenUpdateMergesChanges(t *testing.T) {
	table := newMergeTable()
	table.apply(types.Mutation{
		GlobalKey: "todos/1",
		Type:      types.MutationUpdate,
		Original:  map[string]any{"title": "buy milk"},
		Changes:   map[string]any{"title": "buy bread"},
	})
	out := table.apply(types.Mutation{
		GlobalKey: "todos/1",
		Type:      types.MutationUpdate,
		Changes:   map[string]any{"title": "buy eggs"},
	})

	if assert.Len(t, out, 1) {
		assert.Equal(t, "buy eggs", out[0].Changes["title"], "last write should win")
		assert.Equal(t, "buy milk", out[0].Original.(map[string]any)["title"], "original should come from the first update")
	}
}

func TestMergeMutationDeleteThenAnythingReplaces(t *testing.T) {
	table := newMergeTable()
	table.apply(types.Mutation{GlobalKey: "todos/1", Type: types.MutationDelete})
	out := table.apply(types.Mutation{
		GlobalKey: "todos/1",
		Type:      types.MutationInsert,
		Changes:   map[string]any{"title": "resurrected"},
	})

	if assert.Len(t, out, 1) {
		assert.Equal(t, types.MutationInsert, out[0].Type)
	}
}

type fakeCollection struct {
	id       string
	status   types.Status
	applied  []types.Mutation
	reverted []types.Mutation
	touches  int
}

func (f *fakeCollection) ID() string           { return f.id }
func (f *fakeCollection) Status() types.Status { return f.status }
func (f *fakeCollection) ApplyMutation(tx *Transaction, m types.Mutation) error {
	f.applied = append(f.applied, m)
	return nil
}
func (f *fakeCollection) RevertMutation(tx *Transaction, m types.Mutation) error {
	f.reverted = append(f.reverted, m)
	return nil
}
func (f *fakeCollection) Touch() { f.touches++ }

func TestManagerCommitSuccessTouchesAndResolves(t *testing.T) {
	m := NewManager()
	coll := &fakeCollection{id: "todos"}
	m.RegisterCollection(coll)

	ranMutationFn := false
	txn, err := m.Mutate(context.Background(), MutateOptions{
		AutoCommit: true,
		MutationFn: func(ctx context.Context) error {
			ranMutationFn = true
			return nil
		},
	}, func(ctx context.Context) error {
		tx := FromContext(ctx)
		return m.AddMutation(tx, types.Mutation{
			GlobalKey:     types.GlobalKey("todos", "1"),
			CollectionRef: "todos",
			Type:          types.MutationInsert,
		})
	})

	assert.NoError(t, err)
	assert.True(t, ranMutationFn)
	assert.Equal(t, types.TxCompleted, txn.State())
	assert.Equal(t, 2, coll.touches, "expected touches before and after mutationFn")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, txn.IsPersisted(ctx))
}

func TestManagerCommitFailureRollsBack(t *testing.T) {
	m := NewManager()
	coll := &fakeCollection{id: "todos"}
	m.RegisterCollection(coll)

	boom := errors.New("sync rejected")
	txn, err := m.Mutate(context.Background(), MutateOptions{
		AutoCommit: true,
		MutationFn: func(ctx context.Context) error { return boom },
	}, func(ctx context.Context) error {
		tx := FromContext(ctx)
		return m.AddMutation(tx, types.Mutation{
			GlobalKey:     types.GlobalKey("todos", "1"),
			CollectionRef: "todos",
			Type:          types.MutationInsert,
		})
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, types.TxFailed, txn.State())
	assert.Len(t, coll.reverted, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, txn.IsPersisted(ctx), boom)
}

func TestManagerRollbackCascadesToOverlappingPendingTransactions(t *testing.T) {
	m := NewManager()
	coll := &fakeCollection{id: "todos"}
	m.RegisterCollection(coll)

	key := types.GlobalKey("todos", "1")

	t1, err := m.Mutate(context.Background(), MutateOptions{AutoCommit: false}, func(ctx context.Context) error {
		tx := FromContext(ctx)
		return m.AddMutation(tx, types.Mutation{GlobalKey: key, CollectionRef: "todos", Type: types.MutationInsert})
	})
	assert.NoError(t, err)

	t2, err := m.Mutate(context.Background(), MutateOptions{AutoCommit: false}, func(ctx context.Context) error {
		tx := FromContext(ctx)
		return m.AddMutation(tx, types.Mutation{GlobalKey: key, CollectionRef: "todos", Type: types.MutationUpdate})
	})
	assert.NoError(t, err)

	assert.Equal(t, types.TxPending, t1.State())
	assert.Equal(t, types.TxPending, t2.State())

	m.Rollback(t1, errors.New("conflict"))

	assert.Equal(t, types.TxFailed, t1.State())
	assert.Equal(t, types.TxFailed, t2.State(), "t2 should cascade into failed since it overlaps t1's global key")
	assert.Len(t, coll.reverted, 2)
}

func TestSchedulerRunsJobsInDependencyOrder(t *testing.T) {
	s := newScheduler()
	var ran []string

	s.Register(Job{ID: "c", DependsOn: []string{"a", "b"}, Run: func() error {
		ran = append(ran, "c")
		return nil
	}})
	s.Register(Job{ID: "a", Run: func() error {
		ran = append(ran, "a")
		return nil
	}})
	s.Register(Job{ID: "b", DependsOn: []string{"a"}, Run: func() error {
		ran = append(ran, "b")
		return nil
	}})

	assert.NoError(t, s.Flush())
	if assert.Len(t, ran, 3) {
		assert.Equal(t, "a", ran[0])
		assert.Equal(t, "c", ran[2])
	}
}

func TestSchedulerRegisterIsIdempotentPerID(t *testing.T) {
	s := newScheduler()
	runs := 0
	s.Register(Job{ID: "once", Run: func() error { runs++; return nil }})
	s.Register(Job{ID: "once", Run: func() error { runs++; return nil }})

	assert.NoError(t, s.Flush())
	assert.Equal(t, 1, runs, "a job registered twice under the same ID should run once")
}

func TestSchedulerUnresolvedDependencyErrors(t *testing.T) {
	s := newScheduler()
	s.Register(Job{ID: "needs-ghost", DependsOn: []string{"ghost"}, Run: func() error { return nil }})

	assert.Error(t, s.Flush())
}

func TestSchedulerClearAbortsAndNotifies(t *testing.T) {
	s := newScheduler()
	ran := false
	s.Register(Job{ID: "a", Run: func() error { ran = true; return nil }})

	var notifyErr error
	s.OnComplete(func(err error) { notifyErr = err })
	s.Clear("some-context")

	assert.False(t, ran, "cleared job should never run")
	assert.Error(t, notifyErr)
}

func TestCompareTotalOrder(t *testing.T) {
	now := time.Now()
	a := &Transaction{createdAt: now, sequenceNumber: 1}
	b := &Transaction{createdAt: now, sequenceNumber: 2}
	assert.Negative(t, compareTotalOrder(a, b), "sequence number breaks createdAt ties")

	c := &Transaction{createdAt: now.Add(time.Second), sequenceNumber: 0}
	assert.Negative(t, compareTotalOrder(a, c))
}
