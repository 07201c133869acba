package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InsertIfAbsent(t *testing.T) {
	r := New()
	first := &Handle{SessionID: 1, AttemptID: "a"}
	second := &Handle{SessionID: 1, AttemptID: "b"}

	require.True(t, r.InsertIfAbsent(1, first))
	assert.False(t, r.InsertIfAbsent(1, second))

	got, ok := r.Find(1)
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := New()
	r.InsertIfAbsent(1, &Handle{SessionID: 1})

	r.Remove(2)
	assert.Equal(t, 1, r.Len())

	r.Remove(1)
	r.Remove(1)
	_, ok := r.Find(1)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	assert.True(t, r.InsertIfAbsent(1, &Handle{SessionID: 1}))
}

func TestRegistry_RemoveHandleComparesIdentity(t *testing.T) {
	r := New()
	stale := &Handle{SessionID: 1, AttemptID: "old"}
	fresh := &Handle{SessionID: 1, AttemptID: "new"}
	r.InsertIfAbsent(1, fresh)

	assert.False(t, r.RemoveHandle(1, stale))
	_, ok := r.Find(1)
	assert.True(t, ok)

	assert.True(t, r.RemoveHandle(1, fresh))
	_, ok = r.Find(1)
	assert.False(t, ok)
}

func TestRegistry_IDsAndByTenant(t *testing.T) {
	r := New()
	r.InsertIfAbsent(3, &Handle{SessionID: 3, TenantID: 10})
	r.InsertIfAbsent(1, &Handle{SessionID: 1, TenantID: 10})
	r.InsertIfAbsent(2, &Handle{SessionID: 2, TenantID: 20})

	assert.Equal(t, []int64{1, 2, 3}, r.IDs())

	tenant := r.ByTenant(10)
	require.Len(t, tenant, 2)
	assert.Equal(t, int64(1), tenant[0].SessionID)
	assert.Equal(t, int64(3), tenant[1].SessionID)
	assert.Empty(t, r.ByTenant(99))
}

func TestRegistry_ConcurrentInsertOnlyOneWins(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	wins := make(chan bool, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- r.InsertIfAbsent(42, &Handle{SessionID: 42})
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, r.Len())
}
