package backend

import (
	"fmt"
	"strings"
)

// QueueType identifies a hardware queue family.
type QueueType uint8

const (
	// QueueGraphics accepts draw, dispatch and copy commands.
	QueueGraphics QueueType = iota
	// QueueCompute accepts dispatch and copy commands.
	QueueCompute
	// QueueCopy accepts copy commands only.
	QueueCopy

	queueTypeCount
)

// QueueTypeCount is the number of distinct queue types.
const QueueTypeCount = int(queueTypeCount)

// QueueTypes returns all queue types in declaration order.
func QueueTypes() []QueueType {
	return []QueueType{QueueGraphics, QueueCompute, QueueCopy}
}

// String returns the queue name.
func (q QueueType) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	default:
		return fmt.Sprintf("QueueType(%d)", q)
	}
}

// Valid reports whether q names a known queue type.
func (q QueueType) Valid() bool {
	return q < queueTypeCount
}

// ResourceState is the last-known pipeline barrier state of a subresource.
// Read-only states may be combined; write states are exclusive.
type ResourceState uint32

// Resource states.
const (
	StateCommon                  ResourceState = 0
	StateVertexAndConstantBuffer ResourceState = 1 << 0
	StateIndexBuffer             ResourceState = 1 << 1
	StateRenderTarget            ResourceState = 1 << 2
	StateUnorderedAccess         ResourceState = 1 << 3
	StateDepthWrite              ResourceState = 1 << 4
	StateDepthRead               ResourceState = 1 << 5
	StateNonPixelShaderResource  ResourceState = 1 << 6
	StatePixelShaderResource     ResourceState = 1 << 7
	StateCopyDest                ResourceState = 1 << 8
	StateCopySource              ResourceState = 1 << 9
	StateResolveDest             ResourceState = 1 << 10
	StateResolveSource           ResourceState = 1 << 11
	StatePresent                 ResourceState = 1 << 12

	// StateShaderResource is readable from every shader stage.
	StateShaderResource = StateNonPixelShaderResource | StatePixelShaderResource

	// StateGenericRead is the required state of upload heap resources.
	StateGenericRead = StateVertexAndConstantBuffer | StateIndexBuffer |
		StateShaderResource | StateCopySource
)

var stateNames = []struct {
	state ResourceState
	name  string
}{
	{StateVertexAndConstantBuffer, "VertexAndConstantBuffer"},
	{StateIndexBuffer, "IndexBuffer"},
	{StateRenderTarget, "RenderTarget"},
	{StateUnorderedAccess, "UnorderedAccess"},
	{StateDepthWrite, "DepthWrite"},
	{StateDepthRead, "DepthRead"},
	{StateNonPixelShaderResource, "NonPixelShaderResource"},
	{StatePixelShaderResource, "PixelShaderResource"},
	{StateCopyDest, "CopyDest"},
	{StateCopySource, "CopySource"},
	{StateResolveDest, "ResolveDest"},
	{StateResolveSource, "ResolveSource"},
	{StatePresent, "Present"},
}

// String returns the state flags joined by '|'.
func (s ResourceState) String() string {
	if s == StateCommon {
		return "Common"
	}
	var parts []string
	rest := s
	for _, n := range stateNames {
		if s&n.state != 0 {
			parts = append(parts, n.name)
			rest &^= n.state
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// IsWrite reports whether the state grants write access.
func (s ResourceState) IsWrite() bool {
	const writes = StateRenderTarget | StateUnorderedAccess | StateDepthWrite |
		StateCopyDest | StateResolveDest
	return s&writes != 0
}

// AllSubresources addresses every subresource of a resource.
const AllSubresources = ^uint32(0)

// BarrierKind selects the barrier flavour.
type BarrierKind uint8

const (
	// BarrierTransition changes the state of one subresource.
	BarrierTransition BarrierKind = iota
	// BarrierUAV orders unordered-access reads and writes of a resource.
	BarrierUAV
)

// String returns the barrier kind name.
func (k BarrierKind) String() string {
	switch k {
	case BarrierTransition:
		return "transition"
	case BarrierUAV:
		return "uav"
	default:
		return fmt.Sprintf("BarrierKind(%d)", k)
	}
}

// Barrier is a single native pipeline barrier.
type Barrier struct {
	Kind        BarrierKind
	Resource    Resource
	Subresource uint32
	Before      ResourceState
	After       ResourceState
}

// String formats the barrier for logs and test failures.
func (b Barrier) String() string {
	name := "<nil>"
	if b.Resource != nil {
		name = b.Resource.Label()
	}
	if b.Kind == BarrierUAV {
		return fmt.Sprintf("uav(%s)", name)
	}
	sub := fmt.Sprint(b.Subresource)
	if b.Subresource == AllSubresources {
		sub = "all"
	}
	return fmt.Sprintf("%s[%s]: %v -> %v", name, sub, b.Before, b.After)
}
