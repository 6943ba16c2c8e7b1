package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingPool(t *testing.T) {
	t.Parallel()

	p := newPendingPool()
	id1 := p.add(100, 7, WorkerMount, "alice")
	id2 := p.add(101, 8, WorkerUmount, "bob")
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, p.len())
	assert.True(t, p.mounting("alice"))
	assert.False(t, p.mounting("bob"), "umount workers do not count")

	op, ok := p.take(100)
	require.True(t, ok)
	assert.Equal(t, uint32(7), op.token)
	assert.Equal(t, "alice", op.name)
	assert.False(t, p.mounting("alice"))

	_, ok = p.take(100)
	assert.False(t, ok, "a pid is taken at most once")
	_, ok = p.take(999)
	assert.False(t, ok)

	p.add(102, 9, WorkerMount, "carol")
	assert.Equal(t, 2, p.capacity(), "freed slot is reused")
	assert.Equal(t, 2, p.len())

	p.take(101)
	p.take(102)
	assert.Equal(t, 0, p.len())
	p.add(103, 0, WorkerUmount, "x")
	p.add(104, 0, WorkerUmount, "y")
	p.add(105, 0, WorkerUmount, "z")
	assert.Equal(t, 3, p.capacity())
}
