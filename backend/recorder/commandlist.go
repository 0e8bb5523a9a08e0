package recorder

import (
	"fmt"

	"github.com/gogpu/rendercore/backend"
)

// Op identifies a recorded command.
type Op uint8

// Recorded operations.
const (
	OpBarrier Op = iota
	OpCopyBuffer
	OpCopyTexture
	OpDraw
	OpDispatch
	OpBeginEvent
	OpEndEvent
)

var opNames = [...]string{"barrier", "copy_buffer", "copy_texture", "draw", "dispatch", "begin_event", "end_event"}

// String returns the op name.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// Command is one recorded call.
type Command struct {
	Op Op
	// Label is the draw label, event name or copy destination label.
	Label    string
	Barriers []backend.Barrier

	Dst, Src    backend.Resource
	DstOffset   uint64
	SrcOffset   uint64
	Size        uint64
	Subresource uint32
	Layout      backend.TextureCopyLayout

	// Counts holds vertex and instance counts of draws or the group counts
	// of dispatches.
	Counts [3]uint32
}

// String formats the command for test failures.
func (c Command) String() string {
	if c.Op == OpBarrier {
		return fmt.Sprintf("barrier%v", c.Barriers)
	}
	return fmt.Sprintf("%v(%s)", c.Op, c.Label)
}

// CommandList records commands into a slice. Reset clears it.
type CommandList struct {
	typ       backend.QueueType
	label     string
	recording bool
	resets    int
	submits   int
	cmds      []Command
}

var (
	_ backend.CommandList  = (*CommandList)(nil)
	_ backend.DrawRecorder = (*CommandList)(nil)
)

// QueueType returns the list's queue type.
func (l *CommandList) QueueType() backend.QueueType { return l.typ }

// Label returns the label given to the last Reset.
func (l *CommandList) Label() string { return l.label }

// Resets returns how many times the list was reset.
func (l *CommandList) Resets() int { return l.resets }

// Submits returns how many times the list was submitted.
func (l *CommandList) Submits() int { return l.submits }

// Recording reports whether the list is open.
func (l *CommandList) Recording() bool { return l.recording }

// Reset clears recorded commands and opens the list.
func (l *CommandList) Reset(label string) error {
	if l.recording {
		return fmt.Errorf("recorder: reset of open list %q", l.label)
	}
	l.label = label
	l.cmds = l.cmds[:0]
	l.recording = true
	l.resets++
	return nil
}

// Close ends recording.
func (l *CommandList) Close() error {
	if !l.recording {
		return fmt.Errorf("recorder: close of closed list %q", l.label)
	}
	l.recording = false
	return nil
}

// ResourceBarrier records a barrier batch. Empty batches are dropped.
func (l *CommandList) ResourceBarrier(barriers []backend.Barrier) {
	if len(barriers) == 0 {
		return
	}
	l.cmds = append(l.cmds, Command{Op: OpBarrier, Barriers: append([]backend.Barrier(nil), barriers...)})
}

// CopyBufferRegion records a buffer copy.
func (l *CommandList) CopyBufferRegion(dst backend.Resource, dstOffset uint64, src backend.UploadHeap, srcOffset, size uint64) {
	l.cmds = append(l.cmds, Command{
		Op: OpCopyBuffer, Label: dst.Label(),
		Dst: dst, Src: src, DstOffset: dstOffset, SrcOffset: srcOffset, Size: size,
	})
}

// CopyTextureRegion records an upload into one texture subresource.
func (l *CommandList) CopyTextureRegion(dst backend.Resource, subresource uint32, src backend.UploadHeap, layout backend.TextureCopyLayout) {
	l.cmds = append(l.cmds, Command{
		Op: OpCopyTexture, Label: dst.Label(),
		Dst: dst, Src: src, Subresource: subresource, Layout: layout,
		SrcOffset: layout.Offset, Size: uint64(layout.BytesPerRow) * uint64(layout.Height),
	})
}

// BeginEvent opens a debug marker.
func (l *CommandList) BeginEvent(name string) {
	l.cmds = append(l.cmds, Command{Op: OpBeginEvent, Label: name})
}

// EndEvent closes the innermost debug marker.
func (l *CommandList) EndEvent() {
	l.cmds = append(l.cmds, Command{Op: OpEndEvent})
}

// Draw records a draw call.
func (l *CommandList) Draw(label string, vertexCount, instanceCount uint32) {
	l.cmds = append(l.cmds, Command{Op: OpDraw, Label: label, Counts: [3]uint32{vertexCount, instanceCount}})
}

// Dispatch records a compute dispatch.
func (l *CommandList) Dispatch(label string, x, y, z uint32) {
	l.cmds = append(l.cmds, Command{Op: OpDispatch, Label: label, Counts: [3]uint32{x, y, z}})
}

// Commands returns a copy of the recorded commands.
func (l *CommandList) Commands() []Command {
	return append([]Command(nil), l.cmds...)
}
