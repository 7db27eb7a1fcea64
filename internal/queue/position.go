// ABOUTME: Queue positions and decode priorities
// ABOUTME: Closed position variant with a total mapping to priority
package queue

import "fmt"

// Kind is the position category of a queue entry.
type Kind int

const (
	KindCurrent Kind = iota
	KindNext
	KindQueued
)

// Position is Current, Next or Queued(Index).
type Position struct {
	Kind  Kind
	Index int
}

// CurrentPosition is the head of the queue.
func CurrentPosition() Position { return Position{Kind: KindCurrent} }

// NextPosition follows Current.
func NextPosition() Position { return Position{Kind: KindNext} }

// QueuedPosition is the n-th entry after Next, counting from zero.
func QueuedPosition(n int) Position { return Position{Kind: KindQueued, Index: n} }

// PositionAt maps a list index to its position.
func PositionAt(i int) Position {
	switch i {
	case 0:
		return CurrentPosition()
	case 1:
		return NextPosition()
	default:
		return QueuedPosition(i - 2)
	}
}

func (p Position) String() string {
	switch p.Kind {
	case KindCurrent:
		return "current"
	case KindNext:
		return "next"
	default:
		return fmt.Sprintf("queued[%d]", p.Index)
	}
}

// Priority orders decode requests. Lower values are more urgent.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityNext
	PriorityPrefetch
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityNext:
		return "next"
	case PriorityPrefetch:
		return "prefetch"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Priority returns the decode priority for the position.
func (p Position) Priority() Priority {
	switch p.Kind {
	case KindCurrent:
		return PriorityImmediate
	case KindNext:
		return PriorityNext
	default:
		return PriorityPrefetch
	}
}
