package envelope

import "fmt"

// SeqAssigner numbers the items of one stream contiguously from 0. STREAM_END
// carries the number of items sent.
type SeqAssigner struct {
	next uint64
}

// Assign sets the sequence of a CHUNK or STREAM_END envelope. Other kinds are left unchanged.
func (sa *SeqAssigner) Assign(env *Envelope) {
	switch env.Kind {
	case KindChunk:
		env.Sequence = sa.next
		sa.next++
	case KindStreamEnd:
		env.Sequence = sa.next
	}
}

// Count returns the number of items assigned so far.
func (sa *SeqAssigner) Count() uint64 {
	return sa.next
}

// SequenceErrorType classifies stream ordering violations.
type SequenceErrorType int

const (
	SequenceErrorDuplicate SequenceErrorType = iota
	SequenceErrorOverflow
	SequenceErrorAfterEnd
	SequenceErrorShortEnd
	SequenceErrorDuplicateEnd
)

// SequenceError reports a stream that cannot be put back in order.
type SequenceError struct {
	Type     SequenceErrorType
	Sequence uint64
	Expected uint64
}

func (e *SequenceError) Error() string {
	switch e.Type {
	case SequenceErrorDuplicate:
		return fmt.Sprintf("duplicate or stale sequence %d (next expected %d)", e.Sequence, e.Expected)
	case SequenceErrorOverflow:
		return fmt.Sprintf("sequence %d outside reorder window starting at %d", e.Sequence, e.Expected)
	case SequenceErrorAfterEnd:
		return fmt.Sprintf("sequence %d at or after stream end %d", e.Sequence, e.Expected)
	case SequenceErrorShortEnd:
		return fmt.Sprintf("stream end %d precedes delivered sequence %d", e.Sequence, e.Expected)
	case SequenceErrorDuplicateEnd:
		return fmt.Sprintf("second stream end %d after end %d", e.Sequence, e.Expected)
	default:
		return fmt.Sprintf("sequence error at %d", e.Sequence)
	}
}

// Code implements Coder.
func (e *SequenceError) Code() Code {
	return CodeInternal
}

// ReorderBuffer restores sequence order for one stream, holding at most
// window items that arrived ahead of a gap.
type ReorderBuffer struct {
	window  int
	next    uint64
	pending map[uint64]*Envelope
	end     *uint64
}

// NewReorderBuffer creates a buffer holding up to window early items.
func NewReorderBuffer(window int) *ReorderBuffer {
	if window <= 0 {
		window = DefaultMaxReorderBuffer
	}
	return &ReorderBuffer{window: window, pending: make(map[uint64]*Envelope)}
}

// Push accepts a CHUNK or STREAM_END and returns the chunks that are now
// deliverable, in sequence order.
func (rb *ReorderBuffer) Push(env *Envelope) ([]*Envelope, error) {
	seq := env.Sequence
	switch env.Kind {
	case KindStreamEnd:
		if rb.end != nil {
			return nil, &SequenceError{Type: SequenceErrorDuplicateEnd, Sequence: seq, Expected: *rb.end}
		}
		if seq < rb.next {
			return nil, &SequenceError{Type: SequenceErrorShortEnd, Sequence: seq, Expected: rb.next}
		}
		for pending := range rb.pending {
			if pending >= seq {
				return nil, &SequenceError{Type: SequenceErrorAfterEnd, Sequence: pending, Expected: seq}
			}
		}
		rb.end = &seq
		return nil, nil
	case KindChunk:
	default:
		return nil, fmt.Errorf("%s is not a stream item", env.Kind)
	}

	if rb.end != nil && seq >= *rb.end {
		return nil, &SequenceError{Type: SequenceErrorAfterEnd, Sequence: seq, Expected: *rb.end}
	}
	if seq < rb.next {
		return nil, &SequenceError{Type: SequenceErrorDuplicate, Sequence: seq, Expected: rb.next}
	}
	if _, dup := rb.pending[seq]; dup {
		return nil, &SequenceError{Type: SequenceErrorDuplicate, Sequence: seq, Expected: rb.next}
	}
	if seq-rb.next >= uint64(rb.window) {
		return nil, &SequenceError{Type: SequenceErrorOverflow, Sequence: seq, Expected: rb.next}
	}
	if seq != rb.next {
		rb.pending[seq] = env
		return nil, nil
	}

	ready := []*Envelope{env}
	rb.next++
	for {
		held, ok := rb.pending[rb.next]
		if !ok {
			break
		}
		delete(rb.pending, rb.next)
		ready = append(ready, held)
		rb.next++
	}
	return ready, nil
}

// Done reports whether the end has been seen and every item before it delivered.
func (rb *ReorderBuffer) Done() bool {
	return rb.end != nil && rb.next == *rb.end
}

// Buffered returns the number of items waiting for a gap to fill.
func (rb *ReorderBuffer) Buffered() int {
	return len(rb.pending)
}
