package gas

// Addr identifies a single element of a distributed allocation in the
// partitioned global address space. The zero value is the nil address.
//
// Allocations are block-cyclic: an allocation with B blocks of E elements
// each places block b on locality b modulo the locality count. Address
// arithmetic is element-granular; the per-allocation geometry needed to
// resolve an element to its owning block lives in the runtime's heap table.
type Addr struct {
	alloc uint32
	index uint64
}

// Nil is the null global address.
var Nil = Addr{}

// IsNil returns true if the address does not refer to an allocation.
func (a Addr) IsNil() bool { return a.alloc == 0 }

// Add offsets the address by n elements within the same allocation. The
// resulting address may cross block (and therefore locality) boundaries.
func (a Addr) Add(n uint64) Addr {
	return Addr{alloc: a.alloc, index: a.index + n}
}

// Index returns the element index of the address within its allocation.
func (a Addr) Index() uint64 { return a.index }
