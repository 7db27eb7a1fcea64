// ABOUTME: Bounded pool of decode chains with priority allocation
// ABOUTME: Pending requests wait in a heap ordered by priority then arrival
package chain

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/Resonate-Protocol/playout/internal/queue"
	"github.com/Resonate-Protocol/playout/internal/ringbuffer"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by every operation after Close.
var ErrPoolClosed = errors.New("chain pool closed")

// Request asks for a chain to decode an entry.
type Request struct {
	EntryID  uuid.UUID
	Priority queue.Priority
	Passage  passages.Passage
}

// Assignment binds an entry to a chain for one generation.
type Assignment struct {
	EntryID    uuid.UUID
	ChainID    int
	Generation uint64
	Buffer     *ringbuffer.Buffer
}

// Result describes what Assign did.
type Result struct {
	Assignment
	// Assigned is true when the entry holds a chain after the call.
	Assigned bool
	// Started is true when this call began a new decode.
	Started bool
	// Pending is true when the request is waiting for a chain.
	Pending bool
	// Preempted is the Prefetch entry that lost its chain, if any.
	Preempted *uuid.UUID
}

type slot struct {
	chain    *Chain
	assigned bool
	req      Request
	seq      uint64
	asg      Assignment
}

type pendingItem struct {
	req   Request
	seq   uint64
	index int
}

// pendingQueue is a heap of requests, best first.
type pendingQueue []*pendingItem

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// Pool owns a fixed set of chains. It never assigns more entries than it
// has chains and never gives one chain to two entries.
type Pool struct {
	mu      sync.Mutex
	slots   []*slot
	pending pendingQueue
	byEntry map[uuid.UUID]*pendingItem
	seq     uint64
	closed  bool
	logger  *log.Logger
}

// NewPool creates size chains sharing cfg.
func NewPool(size int, cfg Config) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		slots:   make([]*slot, size),
		byEntry: make(map[uuid.UUID]*pendingItem),
		logger:  cfg.Logger,
	}
	for i := range p.slots {
		c, err := New(i, cfg)
		if err != nil {
			return nil, err
		}
		p.slots[i] = &slot{chain: c}
	}
	heap.Init(&p.pending)
	return p, nil
}

// Size returns the number of chains.
func (p *Pool) Size() int { return len(p.slots) }

// Run drives every chain until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.slots {
		c := s.chain
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

// Assign gives the entry a chain if one is free, preempts a Prefetch chain
// for an Immediate request, or leaves the request pending. Repeating a
// request for an entry updates its priority.
func (p *Pool) Assign(req Request) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Result{}, ErrPoolClosed
	}

	// seq keeps a re-issued request's place among equal priorities.
	var seq uint64
	if s := p.slotFor(req.EntryID); s != nil {
		s.req.Priority = req.Priority
		return Result{Assignment: s.asg, Assigned: true}, nil
	}
	if item, ok := p.byEntry[req.EntryID]; ok {
		if item.req.Priority != req.Priority {
			item.req.Priority = req.Priority
			heap.Fix(&p.pending, item.index)
		}
		if req.Priority != queue.PriorityImmediate {
			return Result{Pending: true}, nil
		}
		// An Immediate request may now preempt, so take it out and retry.
		heap.Remove(&p.pending, item.index)
		delete(p.byEntry, req.EntryID)
		req = item.req
		seq = item.seq
	}

	if s := p.idleSlot(); s != nil {
		asg := p.start(s, req)
		return Result{Assignment: asg, Assigned: true, Started: true}, nil
	}

	if req.Priority == queue.PriorityImmediate {
		if victim := p.preemptible(); victim != nil {
			lost := victim.req
			victim.chain.Stop()
			victim.assigned = false
			p.enqueue(lost, 0)
			p.logger.Debug("preempted prefetch chain", "chain", victim.chain.ID(),
				"entry", lost.EntryID, "for", req.EntryID)

			asg := p.start(victim, req)
			return Result{Assignment: asg, Assigned: true, Started: true, Preempted: &lost.EntryID}, nil
		}
	}

	p.enqueue(req, seq)
	p.logger.Debug("no idle chain, request pending", "entry", req.EntryID,
		"priority", req.Priority, "pending", p.pending.Len())
	return Result{Pending: true}, nil
}

// Release frees the chain, discards its buffer and starts the best pending
// request on it. The started assignment, if any, is returned.
func (p *Pool) Release(chainID int) (Assignment, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Assignment{}, false, ErrPoolClosed
	}
	if chainID < 0 || chainID >= len(p.slots) {
		return Assignment{}, false, fmt.Errorf("no chain %d", chainID)
	}
	return p.releaseLocked(p.slots[chainID])
}

// ReleaseEntry releases whichever chain serves id and drops any pending
// request for it.
func (p *Pool) ReleaseEntry(id uuid.UUID) (Assignment, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Assignment{}, false, ErrPoolClosed
	}
	p.cancelLocked(id)
	s := p.slotFor(id)
	if s == nil {
		return Assignment{}, false, nil
	}
	return p.releaseLocked(s)
}

func (p *Pool) releaseLocked(s *slot) (Assignment, bool, error) {
	s.chain.Stop()
	wasAssigned := s.assigned
	s.assigned = false
	s.asg = Assignment{}
	if !wasAssigned {
		return Assignment{}, false, nil
	}
	p.logger.Debug("chain released", "chain", s.chain.ID(), "entry", s.req.EntryID)
	return p.serve(s)
}

// Cancel drops a pending request. It reports whether one existed.
func (p *Pool) Cancel(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelLocked(id)
}

func (p *Pool) cancelLocked(id uuid.UUID) bool {
	item, ok := p.byEntry[id]
	if !ok {
		return false
	}
	heap.Remove(&p.pending, item.index)
	delete(p.byEntry, id)
	return true
}

// Lookup returns the assignment serving id.
func (p *Pool) Lookup(id uuid.UUID) (Assignment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slotFor(id); s != nil {
		return s.asg, true
	}
	return Assignment{}, false
}

// Current reports whether gen is still the live assignment of entry on
// chainID. Stale chain callbacks fail this check.
func (p *Pool) Current(chainID int, gen uint64, entry uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if chainID < 0 || chainID >= len(p.slots) {
		return false
	}
	s := p.slots[chainID]
	return s.assigned && s.asg.Generation == gen && s.asg.EntryID == entry
}

// IsPending reports whether id waits for a chain.
func (p *Pool) IsPending(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byEntry[id]
	return ok
}

// Idle returns the number of unassigned chains.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if !s.assigned {
			n++
		}
	}
	return n
}

// ChainStatus is one chain in a Snapshot.
type ChainStatus struct {
	Info
	Priority queue.Priority
}

// PendingStatus is one waiting request in a Snapshot.
type PendingStatus struct {
	EntryID  uuid.UUID
	Priority queue.Priority
}

// Snapshot is the pool state for diagnostics.
type Snapshot struct {
	Chains  []ChainStatus
	Pending []PendingStatus
}

// Snapshot returns chains in id order and pending requests best first.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{Chains: make([]ChainStatus, len(p.slots))}
	for i, s := range p.slots {
		cs := ChainStatus{Info: s.chain.Info()}
		if s.assigned {
			cs.Priority = s.req.Priority
		}
		snap.Chains[i] = cs
	}

	ordered := make(pendingQueue, len(p.pending))
	copy(ordered, p.pending)
	for len(ordered) > 0 {
		best := 0
		for i := range ordered {
			if ordered.Less(i, best) {
				best = i
			}
		}
		snap.Pending = append(snap.Pending, PendingStatus{
			EntryID:  ordered[best].req.EntryID,
			Priority: ordered[best].req.Priority,
		})
		ordered = append(ordered[:best], ordered[best+1:]...)
	}
	return snap
}

// Close stops every chain and drops pending requests. Further calls fail
// with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, s := range p.slots {
		s.chain.Stop()
		s.assigned = false
	}
	p.pending = nil
	clear(p.byEntry)
	return nil
}

func (p *Pool) slotFor(id uuid.UUID) *slot {
	for _, s := range p.slots {
		if s.assigned && s.req.EntryID == id {
			return s
		}
	}
	return nil
}

func (p *Pool) idleSlot() *slot {
	for _, s := range p.slots {
		if !s.assigned {
			return s
		}
	}
	return nil
}

// preemptible returns the most recently assigned Prefetch chain.
func (p *Pool) preemptible() *slot {
	var victim *slot
	for _, s := range p.slots {
		if s.assigned && s.req.Priority == queue.PriorityPrefetch {
			if victim == nil || s.seq > victim.seq {
				victim = s
			}
		}
	}
	return victim
}

// enqueue adds req to the pending heap. A zero seq takes the next arrival
// number.
func (p *Pool) enqueue(req Request, seq uint64) {
	if seq == 0 {
		p.seq++
		seq = p.seq
	}
	item := &pendingItem{req: req, seq: seq}
	heap.Push(&p.pending, item)
	p.byEntry[req.EntryID] = item
}

func (p *Pool) start(s *slot, req Request) Assignment {
	buf, gen := s.chain.Start(Job{EntryID: req.EntryID, Passage: req.Passage})
	p.seq++
	s.assigned = true
	s.req = req
	s.seq = p.seq
	s.asg = Assignment{EntryID: req.EntryID, ChainID: s.chain.ID(), Generation: gen, Buffer: buf}
	p.logger.Debug("chain assigned", "chain", s.chain.ID(), "entry", req.EntryID, "priority", req.Priority)
	return s.asg
}

func (p *Pool) serve(s *slot) (Assignment, bool, error) {
	if p.pending.Len() == 0 {
		return Assignment{}, false, nil
	}
	item := heap.Pop(&p.pending).(*pendingItem)
	delete(p.byEntry, item.req.EntryID)
	return p.start(s, item.req), true, nil
}
