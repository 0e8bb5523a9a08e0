package cmdlist

// Ticket identifies one use of a command list. It retires when the GPU has
// finished executing that use.
type Ticket struct {
	list  *CommandList
	gen   uint64
	label string
}

// Retired reports whether the ticket's work has completed. A ticket whose
// list is still recording has not retired; a ticket whose list was recycled
// has. The zero Ticket is always retired.
func (t Ticket) Retired() bool {
	if t.list == nil || t.list.gen.Load() != t.gen {
		return true
	}
	if !t.list.submitted.Load() {
		return false
	}
	v := t.list.fence.Load()
	return t.list.pool.fences.Tracker(t.list.queue).IsRetired(v)
}

// FenceValue returns the submission fence value, zero while recording.
func (t Ticket) FenceValue() uint64 {
	if t.list == nil || t.list.gen.Load() != t.gen || !t.list.submitted.Load() {
		return 0
	}
	return t.list.fence.Load()
}

// Label returns the list label for diagnostics.
func (t Ticket) Label() string { return t.label }
