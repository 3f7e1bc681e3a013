// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned (wrapped) when an Arena can't satisfy a reservation or an allocation.
var ErrOutOfMemory = errors.New("out of device memory")

// bytesPerElement of the storage: only float32 is supported for now.
const bytesPerElement = 4

// Arena is a contiguous chunk of storage reserved on a device, from which Buffers are carved
// sequentially. Buffers are never freed individually: the whole arena is released at once.
type Arena struct {
	device    DeviceID
	limit     uint64 // Maximum bytes that can be reserved, 0 for unlimited.
	storage   []float32
	allocated int
}

// NewArena creates an empty Arena for device. limitBytes bounds the total memory that can be reserved;
// 0 means there is no limit.
func NewArena(device DeviceID, limitBytes uint64) *Arena {
	return &Arena{device: device, limit: limitBytes}
}

// String implements fmt.Stringer.
func (a *Arena) String() string {
	return fmt.Sprintf("Arena(device=%d, %s/%s)", a.device,
		humanize.Bytes(uint64(a.allocated*bytesPerElement)), humanize.Bytes(uint64(len(a.storage)*bytesPerElement)))
}

// Device returns the device the arena lives in.
func (a *Arena) Device() DeviceID { return a.device }

// Capacity in number of elements.
func (a *Arena) Capacity() int { return len(a.storage) }

// Available number of elements not yet allocated.
func (a *Arena) Available() int { return len(a.storage) - a.allocated }

// ReserveExact reserves storage for exactly n elements. Any previous reservation (and the buffers
// allocated from it) is discarded.
func (a *Arena) ReserveExact(n int) error {
	if n < 0 {
		return errors.Errorf("%s: cannot reserve a negative number (%d) of elements", a, n)
	}
	bytes := uint64(n) * bytesPerElement
	if a.limit > 0 && bytes > a.limit {
		return errors.Wrapf(ErrOutOfMemory, "device %d: reserving %s exceeds limit of %s",
			a.device, humanize.Bytes(bytes), humanize.Bytes(a.limit))
	}
	a.storage = make([]float32, n)
	a.allocated = 0
	return nil
}

// Allocate carves a buffer of n elements, owned by owner, from the reserved storage.
func (a *Arena) Allocate(owner Owner, n int) (*Buffer, error) {
	if n < 0 {
		return nil, errors.Errorf("%s: cannot allocate a negative number (%d) of elements for %s", a, n, owner)
	}
	if a.allocated+n > len(a.storage) {
		return nil, errors.Wrapf(ErrOutOfMemory, "%s: allocating %s for %s",
			a, humanize.Bytes(uint64(n*bytesPerElement)), owner)
	}
	start := a.allocated
	a.allocated += n
	return &Buffer{
		owner:  owner,
		device: a.device,
		offset: start,
		data:   a.storage[start:a.allocated:a.allocated],
	}, nil
}

// Release drops the storage. Buffers previously allocated must no longer be used.
func (a *Arena) Release() {
	a.storage = nil
	a.allocated = 0
}
