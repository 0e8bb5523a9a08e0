package cmdlist

import "github.com/gogpu/rendercore/backend"

type group struct {
	n             uint32
	before, after backend.ResourceState
	uniform       bool
}

// coalescer merges per-subresource transitions. Its map is kept between
// flushes so steady-state recording does not allocate.
type coalescer struct {
	groups map[backend.Resource]group
}

// coalesce merges per-subresource transitions that cover every subresource
// of a resource with the same before and after states into one
// all-subresources barrier. The result keeps first-occurrence order and is
// written over barriers. The input is returned unchanged when nothing merges.
func (m *coalescer) coalesce(barriers []backend.Barrier, count func(backend.Resource) uint32) []backend.Barrier {
	if len(barriers) < 2 {
		return barriers
	}
	if m.groups == nil {
		m.groups = make(map[backend.Resource]group)
	}
	groups := m.groups
	defer clear(groups)

	for _, b := range barriers {
		if b.Kind != backend.BarrierTransition || b.Subresource == backend.AllSubresources {
			continue
		}
		g, ok := groups[b.Resource]
		if !ok {
			groups[b.Resource] = group{n: 1, before: b.Before, after: b.After, uniform: true}
			continue
		}
		g.n++
		if b.Before != g.before || b.After != g.after {
			g.uniform = false
		}
		groups[b.Resource] = g
	}

	merge := false
	for r, g := range groups {
		if g.uniform && g.n > 1 && g.n == count(r) {
			merge = true
		} else {
			delete(groups, r)
		}
	}
	if !merge {
		return barriers
	}

	// Writes never pass reads, so the merge runs in place.
	out := barriers[:0]
	for _, b := range barriers {
		g, ok := groups[b.Resource]
		if !ok || b.Kind != backend.BarrierTransition {
			out = append(out, b)
			continue
		}
		if g.n == 0 {
			continue
		}
		b.Subresource = backend.AllSubresources
		out = append(out, b)
		g.n = 0
		groups[b.Resource] = g
	}
	return out
}
