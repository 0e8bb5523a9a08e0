package frame

import (
	"fmt"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/cmdlist"
	"github.com/gogpu/rendercore/resource"
)

// PassID names one of the fixed passes of a frame.
type PassID uint8

// Passes in submission order. Later passes read what earlier ones wrote.
const (
	PassBase PassID = iota
	PassBackground
	PassPostprocess
	PassUI
	PassPresent

	PassCount = 5
)

var passNames = [PassCount]string{"base", "background", "postprocess", "ui", "present"}

// String returns the pass name, also used as the command list label.
func (p PassID) String() string {
	if p < PassCount {
		return passNames[p]
	}
	return fmt.Sprintf("pass(%d)", uint8(p))
}

// View is the read-only per-frame snapshot handed to every pass.
type View struct {
	Frame           uint64
	BackBuffer      *resource.Resource
	BackBufferIndex int
	Width           uint32
	Height          uint32
}

// PassFunc records one pass into cl. It runs on a worker goroutine
// concurrently with the other passes of the frame and must only share
// state through v and the thread-safe pools.
type PassFunc func(cl *cmdlist.CommandList, v View) error

// Passes holds the recorder of every pass. A nil entry disables the pass,
// except PassPresent which falls back to PresentPass.
type Passes [PassCount]PassFunc

// PresentPass transitions the back buffer to the present state.
func PresentPass(cl *cmdlist.CommandList, v View) error {
	cl.Transition(v.BackBuffer, resource.AllSubresources, backend.StatePresent)
	cl.FlushBarriers()
	return nil
}
