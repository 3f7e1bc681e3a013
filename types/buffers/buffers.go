// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements flat float32 storage for device resident parameters and gradients.
//
// Storage is reserved per device in an Arena, and every Buffer is a handle to a contiguous region
// of some storage, tagged with the Owner allowed to write to it and its offset into the storage
// it was carved from. Handles to disjoint regions of the same storage can be written concurrently
// by their respective owners without further synchronization.
//
// Element-wise operations are implemented with gonum's blas32.
package buffers

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas/blas32"
)

// DeviceID identifies a compute device.
type DeviceID int

// OwnerKind enumerates the kind of components that can own a Buffer.
type OwnerKind int

const (
	// ReplicaOwner is a model replica, one per device.
	ReplicaOwner OwnerKind = iota

	// ShardOwner is a parameter shard, homed on one device.
	ShardOwner

	// GraphOwner is a model graph, and is indexed by the device the graph lives in. The trainer
	// accesses a graph's storage through Replica handles wrapping it.
	GraphOwner
)

// Owner identifies the component allowed to write to a Buffer.
type Owner struct {
	Kind  OwnerKind
	Index int
}

// Replica returns the Owner for the replica with the given index.
func Replica(index int) Owner { return Owner{Kind: ReplicaOwner, Index: index} }

// Shard returns the Owner for the shard with the given index.
func Shard(index int) Owner { return Owner{Kind: ShardOwner, Index: index} }

// Graph returns the Owner for the storage of a model graph on device.
func Graph(device DeviceID) Owner { return Owner{Kind: GraphOwner, Index: int(device)} }

// String implements fmt.Stringer.
func (o Owner) String() string {
	switch o.Kind {
	case ReplicaOwner:
		return fmt.Sprintf("replica#%d", o.Index)
	case ShardOwner:
		return fmt.Sprintf("shard#%d", o.Index)
	case GraphOwner:
		return fmt.Sprintf("graph@device%d", o.Index)
	}
	return fmt.Sprintf("owner(%d)#%d", o.Kind, o.Index)
}

// Buffer is a handle to a contiguous region of float32 storage on a device.
type Buffer struct {
	owner  Owner
	device DeviceID
	offset int
	data   []float32
}

// Wrap creates a Buffer over data that is owned by someone else (e.g.: a model graph).
func Wrap(owner Owner, device DeviceID, data []float32) *Buffer {
	return &Buffer{owner: owner, device: device, data: data}
}

// Len returns the number of elements in the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Owner returns who is allowed to write to the buffer.
func (b *Buffer) Owner() Owner { return b.owner }

// Device where the buffer lives.
func (b *Buffer) Device() DeviceID { return b.device }

// Offset of the buffer within the storage it was carved from.
func (b *Buffer) Offset() int { return b.offset }

// Data returns the underlying slice. Only the owner should write to it.
func (b *Buffer) Data() []float32 { return b.data }

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s, device=%d, [%d:%d])", b.owner, b.device, b.offset, b.offset+len(b.data))
}

// Sub returns a handle to the region [pos, pos+size) of b, owned by owner.
//
// It is used to hand out write access to disjoint parts of a buffer: e.g. shard k owns the
// region of every replica's parameters it broadcasts to.
func (b *Buffer) Sub(owner Owner, pos, size int) *Buffer {
	if pos < 0 || size < 0 || pos+size > len(b.data) {
		exceptions.Panicf("%s.Sub(%d, %d) out of range", b, pos, size)
	}
	return &Buffer{
		owner:  owner,
		device: b.device,
		offset: b.offset + pos,
		data:   b.data[pos : pos+size : pos+size],
	}
}

func (b *Buffer) vector() blas32.Vector {
	return blas32.Vector{N: len(b.data), Inc: 1, Data: b.data}
}

func (b *Buffer) checkSameLength(op string, src *Buffer) {
	if len(b.data) != len(src.data) {
		exceptions.Panicf("%s.%s(%s): mismatched lengths %d != %d", b, op, src, len(b.data), len(src.data))
	}
}

// CopyFrom copies the contents of src into b. They must have the same length.
func (b *Buffer) CopyFrom(src *Buffer) {
	b.checkSameLength("CopyFrom", src)
	if len(b.data) == 0 {
		return
	}
	blas32.Copy(src.vector(), b.vector())
}

// Add accumulates src into b, element-wise.
func (b *Buffer) Add(src *Buffer) {
	b.AddScaled(1, src)
}

// AddScaled accumulates alpha*src into b, element-wise.
func (b *Buffer) AddScaled(alpha float32, src *Buffer) {
	b.checkSameLength("AddScaled", src)
	if len(b.data) == 0 {
		return
	}
	blas32.Axpy(alpha, src.vector(), b.vector())
}

// Scale multiplies every element of b by alpha.
func (b *Buffer) Scale(alpha float32) {
	if len(b.data) == 0 {
		return
	}
	blas32.Scal(alpha, b.vector())
}

// Zero sets all elements to 0.
func (b *Buffer) Zero() {
	clear(b.data)
}

// Equal returns whether the contents of b and other are bit-identical.
func (b *Buffer) Equal(other *Buffer) bool {
	if len(b.data) != len(other.data) {
		return false
	}
	for ii, v := range b.data {
		if math.Float32bits(v) != math.Float32bits(other.data[ii]) {
			return false
		}
	}
	return true
}
