// hugealloc.go

// The hugepage allocator hands out page-aligned buffers carved from
// large reserved chunks. Buffers belong to power-of-two size classes
// between minClassSize and maxClassSize; an empty class is refilled by
// splitting a buffer from the closest non-empty larger class, and when
// the requested class and every larger class are empty a new chunk is
// reserved, doubling the previous reservation.
// Buffers are never merged back together.

package erpc

import (
	"github.com/pkg/errors"
)

const (
	// minClassSize is the smallest allocation size class.
	minClassSize = 64
	// maxClassSize is the largest allocation size class.
	maxClassSize = 8 * 1024 * 1024
	// numClasses is the number of size classes.
	numClasses = 18 // 64 B through 8 MB
)

// PageSource reserves large backing regions for the allocator. The OS
// hugepage interface lives behind this; tests and portable builds use
// HeapPageSource.
type PageSource interface {
	// Reserve returns a region of exactly size bytes, or an error if
	// the reservation collapsed.
	Reserve(size int) ([]byte, error)
}

// HeapPageSource reserves regions from the Go heap. It stands in for
// hugepages on hosts without them.
type HeapPageSource struct{}

// Reserve implements PageSource.
func (HeapPageSource) Reserve(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Buffer is one allocation from the hugepage allocator.
type Buffer struct {
	buf       []byte
	classSize int
}

// IsValid returns true if the Buffer refers to storage.
func (b Buffer) IsValid() bool { return b.buf != nil }

// classOf returns the size class index for a requested size.
func classOf(size int) int {
	c := 0
	for cs := minClassSize; cs < size; cs <<= 1 {
		c++
	}
	return c
}

// classSizeOf returns the byte size of a class index.
func classSizeOf(class int) int {
	return minClassSize << uint(class)
}

// HugeAlloc is the per-endpoint buffer allocator. It is not internally
// locked; the owning Rpc serializes access with a conditional lock.
type HugeAlloc struct {
	source    PageSource
	freelists [numClasses][]Buffer

	statUserAllocTot int
	totalReserved    int
	prevReservation  int
}

// NewHugeAlloc reserves the initial region and returns the allocator.
// A reservation failure here is fatal to the endpoint.
func NewHugeAlloc(initialSize int, source PageSource) (*HugeAlloc, error) {
	if source == nil {
		source = HeapPageSource{}
	}
	if initialSize < maxClassSize {
		initialSize = maxClassSize
	}
	a := &HugeAlloc{source: source}
	if err := a.reserve(initialSize); err != nil {
		return nil, errors.Wrap(err, "initial hugepage reservation failed")
	}
	return a, nil
}

// reserve obtains a new chunk and carves it into top-class buffers.
func (a *HugeAlloc) reserve(size int) error {
	size = (size + maxClassSize - 1) &^ (maxClassSize - 1)
	chunk, err := a.source.Reserve(size)
	if err != nil {
		return errors.WithStack(err)
	}
	top := numClasses - 1
	for off := 0; off < size; off += maxClassSize {
		a.freelists[top] = append(a.freelists[top], Buffer{
			buf:       chunk[off : off+maxClassSize : off+maxClassSize],
			classSize: maxClassSize,
		})
	}
	a.totalReserved += size
	a.prevReservation = size
	return nil
}

// splitTo refills class by splitting down from the closest non-empty
// larger class. Returns false if every larger class is empty.
func (a *HugeAlloc) splitTo(class int) bool {
	src := class + 1
	for src < numClasses && len(a.freelists[src]) == 0 {
		src++
	}
	if src == numClasses {
		return false
	}
	for ; src > class; src-- {
		l := a.freelists[src]
		b := l[len(l)-1]
		a.freelists[src] = l[:len(l)-1]

		half := b.classSize / 2
		a.freelists[src-1] = append(a.freelists[src-1],
			Buffer{buf: b.buf[:half:half], classSize: half},
			Buffer{buf: b.buf[half:], classSize: half})
	}
	return true
}

// Alloc returns a buffer of at least size bytes, or an invalid Buffer
// if the allocator is out of memory and cannot grow.
func (a *HugeAlloc) Alloc(size int) Buffer {
	if size <= 0 || size > maxClassSize {
		return Buffer{}
	}
	class := classOf(size)
	if len(a.freelists[class]) == 0 && !a.splitTo(class) {
		// No buffer of this class or larger; try to grow the reservation.
		if err := a.reserve(a.prevReservation * 2); err != nil {
			return Buffer{}
		}
		if len(a.freelists[class]) == 0 && !a.splitTo(class) {
			return Buffer{}
		}
	}
	l := a.freelists[class]
	b := l[len(l)-1]
	a.freelists[class] = l[:len(l)-1]

	a.statUserAllocTot += b.classSize
	return b
}

// Free returns a buffer to its size class.
func (a *HugeAlloc) Free(b Buffer) {
	if !b.IsValid() {
		panic("Free(): invalid buffer")
	}
	a.statUserAllocTot -= b.classSize
	a.freelists[classOf(b.classSize)] = append(a.freelists[classOf(b.classSize)], b)
}

// StatUserAllocTot returns the total bytes currently allocated to
// callers, measured in class sizes.
func (a *HugeAlloc) StatUserAllocTot() int { return a.statUserAllocTot }

// TotalReserved returns the bytes reserved from the page source.
func (a *HugeAlloc) TotalReserved() int { return a.totalReserved }
