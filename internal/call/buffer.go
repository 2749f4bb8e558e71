package call

import "encoding/json"

// CandidateBuffer queues connectivity candidates that arrive before the
// transport has a remote description applied. Draining applies the queued
// candidates in arrival order and opens the buffer: from then on every Push
// applies immediately. One buffer per session, discarded at teardown.
//
// The buffer is not safe for concurrent use; the owning manager serializes
// access.
type CandidateBuffer struct {
	pending []json.RawMessage
	apply   func(json.RawMessage) error
	open    bool
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{}
}

// Push queues the candidate, or applies it immediately if the buffer has
// been drained already.
func (b *CandidateBuffer) Push(candidate json.RawMessage) error {
	if b.open {
		return b.apply(candidate)
	}
	b.pending = append(b.pending, candidate)
	return nil
}

// Drain applies every queued candidate in FIFO order, clears the queue and
// opens the buffer with applyFn for subsequent pushes. The first apply error
// aborts the drain and is returned; the buffer stays open regardless.
func (b *CandidateBuffer) Drain(applyFn func(json.RawMessage) error) error {
	b.apply = applyFn
	b.open = true

	pending := b.pending
	b.pending = nil
	for _, candidate := range pending {
		if err := applyFn(candidate); err != nil {
			return err
		}
	}
	return nil
}

// Reset returns the buffer to its initial closed, empty state.
func (b *CandidateBuffer) Reset() {
	b.pending = nil
	b.apply = nil
	b.open = false
}

func (b *CandidateBuffer) Len() int {
	return len(b.pending)
}

func (b *CandidateBuffer) Open() bool {
	return b.open
}
