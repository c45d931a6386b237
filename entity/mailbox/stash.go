package mailbox

// Stash is a FIFO of deferred messages, distinct from -- and unaware of --
// the mailbox it will eventually re-deliver into. An entity holds one
// private internal Stash plus one user-visible stash; this package supplies
// both out of the same type, since neither requires more than
// FIFO-with-filter semantics.
//
// Stash itself is not safe for concurrent use; it is owned and driven
// exclusively by the entity's single run-loop goroutine.
type Stash struct {
	messages []interface{}
}

// NewStash returns an empty Stash.
func NewStash() *Stash {
	return &Stash{}
}

// Push appends msg to the back of the stash.
func (s *Stash) Push(msg interface{}) {
	s.messages = append(s.messages, msg)
}

// Len reports the number of currently stashed messages.
func (s *Stash) Len() int {
	return len(s.messages)
}

// PopFront removes and returns the oldest stashed message, if any.
func (s *Stash) PopFront() (interface{}, bool) {
	if len(s.messages) == 0 {
		return nil, false
	}
	var msg = s.messages[0]
	s.messages = s.messages[1:]
	return msg, true
}

// DrainAll removes and returns every stashed message, oldest first, leaving
// the stash empty.
func (s *Stash) DrainAll() []interface{} {
	var out = s.messages
	s.messages = nil
	return out
}

// DrainFiltered removes and returns every stashed message for which drop
// returns false (i.e. it keeps what should survive), discarding the rest.
// Used when recovering from a restart, to drop stale write/replay replies
// that belong to a now-dead incarnation.
func (s *Stash) DrainFiltered(drop func(interface{}) bool) []interface{} {
	var kept = s.messages[:0]
	for _, msg := range s.messages {
		if !drop(msg) {
			kept = append(kept, msg)
		}
	}
	s.messages = nil
	return kept
}

// Prepend merges other's messages onto the front of s, preserving other's
// internal order, and leaves other empty. This lets a user-visible stash
// merge into the internal stash atomically rather than the two racing to
// unstash independently.
func (s *Stash) Prepend(other *Stash) {
	if other.Len() == 0 {
		return
	}
	s.messages = append(other.DrainAll(), s.messages...)
}

// Clear discards all stashed messages.
func (s *Stash) Clear() {
	s.messages = nil
}
