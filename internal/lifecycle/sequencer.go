package lifecycle

import (
	"sort"

	"github.com/example/ride-tracker/internal/models"
)

const defaultMaxPending = 64

// Sequencer restores seq order for events that overtake each other on the
// way from the backend. Events ahead of the next expected seq are held until
// the gap fills or Flush is called; everything else passes straight through
// so the store's seq gate can reject it.
type Sequencer struct {
	next    uint64
	max     int
	pending map[uint64]models.RideEvent
}

// NewSequencer expects lastSeq+1 as the next event.
func NewSequencer(lastSeq uint64, maxPending int) *Sequencer {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &Sequencer{next: lastSeq + 1, max: maxPending, pending: make(map[uint64]models.RideEvent)}
}

// Push accepts one event and returns the events now ready, in seq order.
// flushed is true when the buffer limit forced a flush past a gap.
func (q *Sequencer) Push(ev models.RideEvent) (released []models.RideEvent, flushed bool) {
	switch {
	case ev.Seq < q.next:
		return []models.RideEvent{ev}, false
	case ev.Seq > q.next:
		if _, dup := q.pending[ev.Seq]; !dup {
			q.pending[ev.Seq] = ev
		}
		if len(q.pending) > q.max {
			return q.Flush(), true
		}
		return nil, false
	}

	released = append(released, ev)
	q.next++
	for {
		held, ok := q.pending[q.next]
		if !ok {
			break
		}
		delete(q.pending, q.next)
		released = append(released, held)
		q.next++
	}
	return released, false
}

// Flush gives up on missing seqs and releases every held event in order.
func (q *Sequencer) Flush() []models.RideEvent {
	if len(q.pending) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(q.pending))
	for s := range q.pending {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	out := make([]models.RideEvent, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, q.pending[s])
		delete(q.pending, s)
	}
	q.next = seqs[len(seqs)-1] + 1
	return out
}

func (q *Sequencer) Pending() int { return len(q.pending) }

// Next is the seq the sequencer is waiting for.
func (q *Sequencer) Next() uint64 { return q.next }
