package book

import "github.com/joripage/mbo-replay/pkg/dbn"

// DefaultPoolSize is the node capacity of a book created without an explicit
// pool size.
const DefaultPoolSize = 10_000

// Handle identifies a node inside a Pool's arena. Handles replace raw
// pointers so that the order index can hold non-owning references.
type Handle int32

const noNode Handle = -1

// Node is a single resting order. prev/next link nodes into a price level's
// FIFO; next doubles as the free-list link while the node is unallocated.
type Node struct {
	OrderID uint64
	Price   int64
	Size    int32
	Side    dbn.Side

	prev, next Handle
}

// Pool is a fixed-capacity arena of order nodes with a free list threaded
// through the next field. Alloc and Free are O(1) and never reallocate.
// The pool is not safe for concurrent use; only the replay worker touches it.
type Pool struct {
	nodes    []Node
	freeHead Handle
	inUse    int
}

func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolSize
	}
	p := &Pool{
		nodes:    make([]Node, capacity),
		freeHead: 0,
	}
	for i := 0; i < capacity-1; i++ {
		p.nodes[i].next = Handle(i + 1)
	}
	p.nodes[capacity-1].next = noNode
	return p
}

// Alloc pops the free-list head. Returns ErrPoolExhausted when empty.
func (p *Pool) Alloc() (Handle, error) {
	if p.freeHead == noNode {
		return noNode, ErrPoolExhausted
	}
	h := p.freeHead
	n := &p.nodes[h]
	p.freeHead = n.next
	n.prev, n.next = noNode, noNode
	p.inUse++
	return h, nil
}

// Free pushes a node back onto the free-list head.
func (p *Pool) Free(h Handle) {
	n := &p.nodes[h]
	*n = Node{next: p.freeHead, prev: noNode}
	p.freeHead = h
	p.inUse--
}

// At dereferences a handle. The pointer is only valid while the node stays
// allocated.
func (p *Pool) At(h Handle) *Node { return &p.nodes[h] }

// InUse returns the number of currently allocated nodes.
func (p *Pool) InUse() int { return p.inUse }

// Cap returns the fixed capacity.
func (p *Pool) Cap() int { return len(p.nodes) }
