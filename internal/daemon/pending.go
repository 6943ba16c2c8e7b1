package daemon

import (
	"github.com/google/uuid"
)

// pendingOp is one mount or umount worker in flight.
type pendingOp struct {
	id    uuid.UUID
	pid   int
	token uint32
	kind  WorkerKind
	name  string

	used bool
	next int // free list link
}

// pendingPool tracks in-flight workers in a slab. Completed slots go back
// on a free list and are reused before the slab grows. It is only touched
// from the daemon loop.
type pendingPool struct {
	slots []pendingOp
	free  int
	byPid map[int]int
	n     int
}

func newPendingPool() *pendingPool {
	return &pendingPool{free: -1, byPid: make(map[int]int)}
}

// add records a worker and returns its correlation id.
func (p *pendingPool) add(pid int, token uint32, kind WorkerKind, name string) uuid.UUID {
	idx := p.free
	if idx >= 0 {
		p.free = p.slots[idx].next
	} else {
		p.slots = append(p.slots, pendingOp{})
		idx = len(p.slots) - 1
	}
	op := pendingOp{
		id:    uuid.New(),
		pid:   pid,
		token: token,
		kind:  kind,
		name:  name,
		used:  true,
		next:  -1,
	}
	p.slots[idx] = op
	p.byPid[pid] = idx
	p.n++
	return op.id
}

// take removes the worker with pid. ok is false when pid is unknown,
// including when it was taken before.
func (p *pendingPool) take(pid int) (op pendingOp, ok bool) {
	idx, ok := p.byPid[pid]
	if !ok {
		return pendingOp{}, false
	}
	delete(p.byPid, pid)
	op = p.slots[idx]
	p.slots[idx] = pendingOp{next: p.free}
	p.free = idx
	p.n--
	return op, true
}

// mounting reports whether a mount worker for name is in flight.
func (p *pendingPool) mounting(name string) bool {
	for _, idx := range p.byPid {
		if op := &p.slots[idx]; op.kind == WorkerMount && op.name == name {
			return true
		}
	}
	return false
}

func (p *pendingPool) len() int { return p.n }

// capacity is the number of slots ever allocated.
func (p *pendingPool) capacity() int { return len(p.slots) }
