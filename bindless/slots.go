package bindless

import "math/bits"

// slotSet is a fixed-size bitset allocator that always hands out the lowest
// free slot.
type slotSet struct {
	words []uint64
	size  uint32
	used  uint32
	// low is the first word that may have a free bit.
	low int
}

func newSlotSet(size uint32) slotSet {
	return slotSet{words: make([]uint64, (size+63)/64), size: size}
}

// take returns the lowest free slot.
func (s *slotSet) take() (uint32, bool) {
	for w := s.low; w < len(s.words); w++ {
		free := ^s.words[w]
		if free == 0 {
			continue
		}
		i := uint32(w)*64 + uint32(bits.TrailingZeros64(free))
		if i >= s.size {
			break
		}
		s.words[w] |= 1 << (i % 64)
		s.used++
		s.low = w
		return i, true
	}
	s.low = len(s.words)
	return 0, false
}

// put frees slot i and reports whether it was taken.
func (s *slotSet) put(i uint32) bool {
	if i >= s.size {
		return false
	}
	w, b := int(i/64), uint64(1)<<(i%64)
	if s.words[w]&b == 0 {
		return false
	}
	s.words[w] &^= b
	s.used--
	if w < s.low {
		s.low = w
	}
	return true
}

func (s *slotSet) has(i uint32) bool {
	return i < s.size && s.words[i/64]&(1<<(i%64)) != 0
}
