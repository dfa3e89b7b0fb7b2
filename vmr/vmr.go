// Package vmr implements the virtual memory region manager: a sorted,
// non-overlapping list of address-space mappings per thread/process, with
// hole search, mapping, protection, and cloning.
//
// Addresses are plain uintptr values; there is no physical frame allocator
// or page table in this module, and no mapping is backed by frames.
package vmr

import (
	"sort"

	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/klog"
	"github.com/emment-yamikani/xytheros-core/spinlock"
)

// Prot is a region's read/write/execute protection bits.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) Read() bool  { return p&ProtRead != 0 }
func (p Prot) Write() bool { return p&ProtWrite != 0 }
func (p Prot) Exec() bool  { return p&ProtExec != 0 }

// Flags are mapping-time attributes, distinct from the region's Prot bits.
type Flags int

const (
	FlagPrivate Flags = 1 << iota
	FlagShared
	FlagAnon
	FlagFixed
	FlagGrowsdown
	FlagDontExpand
	FlagZero
)

func (f Flags) Stack() bool      { return f&FlagGrowsdown != 0 }
func (f Flags) Fixed() bool      { return f&FlagFixed != 0 }
func (f Flags) DontExpand() bool { return f&FlagDontExpand != 0 }

// validateMapping enforces §4.6's mapping invariants for both a fresh
// mapping and an mprotect-style protection change: PRIVATE and SHARED are
// mutually exclusive and exactly one must be set, a growsdown (stack)
// region must stay readable and writable, and no region may be both
// writable and executable (W^X).
func validateMapping(prot Prot, flags Flags) error {
	private, shared := flags&FlagPrivate != 0, flags&FlagShared != 0
	if private == shared {
		return kerrors.New(kerrors.EINVAL, "vmr: exactly one of PRIVATE or SHARED must be set")
	}
	if flags.Stack() && !(prot.Read() && prot.Write()) {
		klog.Default().Warn().Int("prot", int(prot)).Msg("vmr: fault, stack mapping not readable+writable")
		return kerrors.New(kerrors.EACCES, "vmr: stack mapping must be readable and writable")
	}
	if prot.Write() && prot.Exec() {
		klog.Default().Warn().Int("prot", int(prot)).Msg("vmr: fault, write+exec rejected (W^X)")
		return kerrors.New(kerrors.EACCES, "vmr: write and execute cannot both be set (W^X)")
	}
	return nil
}

// Region is one virtual memory mapping. Start/End are both inclusive, so
// Size is End-Start+1 — kept faithful to the original's __vmr_size, rather
// than the more common Go half-open-interval convention, since every
// boundary check in the source (hole search, overlap test, split point)
// is written in terms of an inclusive end.
type Region struct {
	Start, End uintptr
	Prot       Prot
	Flags      Flags
	FileSize   uintptr
	MemSize    uintptr
	FilePos    int64
	Name       string
	refs       int32
}

// Size returns the region's length in bytes.
func (r *Region) Size() uintptr { return r.End - r.Start + 1 }

// Contains reports whether addr falls within [Start, End].
func (r *Region) Contains(addr uintptr) bool { return addr >= r.Start && addr <= r.End }

// overlaps reports whether [start, end] intersects r's range.
func (r *Region) overlaps(start, end uintptr) bool {
	return start <= r.End && end >= r.Start
}

func (r *Region) clone() *Region {
	cp := *r
	cp.refs = 0
	return &cp
}

// AddressSpace is a sorted, non-overlapping list of [Region]s belonging to
// one thread's or process's virtual memory, guarded by an embedded
// [spinlock.Spinlock].
type AddressSpace struct {
	spinlock.Spinlock
	regions   []*Region // sorted ascending by Start
	Limit     uintptr   // highest valid address
	Brk       uintptr
	UsedSpace uintptr
	Arg       *Region
	Env       *Region
	Heap      *Region
	focus     uintptr
}

// New constructs an empty AddressSpace with the given address ceiling.
func New(limit uintptr) *AddressSpace {
	return &AddressSpace{Limit: limit}
}

// searchIndex returns the index of the first region whose Start is >=
// addr, using the same sort.Search binary-search idiom catrate's ring
// buffer uses for its sorted insertion point.
func (a *AddressSpace) searchIndex(addr uintptr) int {
	return sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].Start >= addr
	})
}

// insertSorted inserts r into the region list, preserving Start order.
// Caller must hold the lock and must have already verified r doesn't
// overlap an existing region.
func (a *AddressSpace) insertSorted(r *Region) {
	i := a.searchIndex(r.Start)
	a.regions = append(a.regions, nil)
	copy(a.regions[i+1:], a.regions[i:])
	a.regions[i] = r
	a.UsedSpace += r.Size()
}

func (a *AddressSpace) removeAt(i int) {
	a.UsedSpace -= a.regions[i].Size()
	a.regions = append(a.regions[:i], a.regions[i+1:]...)
}

// Find returns the region containing addr, if any.
func (a *AddressSpace) Find(addr uintptr) (*Region, bool) {
	a.AssertLocked()
	i := a.searchIndex(addr + 1)
	if i > 0 && a.regions[i-1].Contains(addr) {
		return a.regions[i-1], true
	}
	return nil, false
}

// FindExact returns the region whose [Start, End] matches exactly.
func (a *AddressSpace) FindExact(start, end uintptr) (*Region, bool) {
	a.AssertLocked()
	i := a.searchIndex(start)
	if i < len(a.regions) && a.regions[i].Start == start && a.regions[i].End == end {
		return a.regions[i], true
	}
	return nil, false
}

// FindOverlap returns the first region intersecting [start, end], if any.
func (a *AddressSpace) FindOverlap(start, end uintptr) (*Region, bool) {
	a.AssertLocked()
	i := a.searchIndex(start)
	// the region immediately before i may still overlap, if it extends
	// past start.
	if i > 0 && a.regions[i-1].overlaps(start, end) {
		return a.regions[i-1], true
	}
	if i < len(a.regions) && a.regions[i].overlaps(start, end) {
		return a.regions[i], true
	}
	return nil, false
}

// Whence selects where a hole search begins.
type Whence int

const (
	// WhenceStart searches from address 0 upward.
	WhenceStart Whence = iota
	// WhenceEnd searches from Limit downward.
	WhenceEnd
)

// FindHole locates a free, page-aligned-agnostic run of length bytes,
// returning its starting address.
func (a *AddressSpace) FindHole(length uintptr, whence Whence) (uintptr, error) {
	a.AssertLocked()
	if length == 0 || length > a.Limit {
		return 0, kerrors.New(kerrors.EINVAL, "vmr: invalid hole length")
	}

	if whence == WhenceEnd {
		candidate := a.Limit - length + 1
		for i := len(a.regions) - 1; i >= 0; i-- {
			r := a.regions[i]
			if candidate > r.End && candidate+length-1 <= a.Limit {
				return candidate, nil
			}
			if r.Start < length {
				break
			}
			candidate = r.Start - length
		}
		if candidate <= a.Limit && (len(a.regions) == 0 || candidate+length-1 < a.regions[0].Start) {
			return candidate, nil
		}
		return 0, kerrors.New(kerrors.ENOMEM, "vmr: no hole found")
	}

	var candidate uintptr
	for _, r := range a.regions {
		if candidate+length-1 < r.Start {
			return candidate, nil
		}
		if r.End+1 > candidate {
			candidate = r.End + 1
		}
	}
	if candidate+length-1 <= a.Limit {
		return candidate, nil
	}
	return 0, kerrors.New(kerrors.ENOMEM, "vmr: no hole found")
}

// MapRegion maps a new region of the given length, protection and flags.
// If FlagFixed is set, addr is used exactly (and any overlapping regions
// are unmapped first); otherwise a hole of sufficient size is located and
// addr is ignored.
func (a *AddressSpace) MapRegion(addr, length uintptr, prot Prot, flags Flags) (*Region, error) {
	a.AssertLocked()
	if length == 0 {
		return nil, kerrors.New(kerrors.EINVAL, "vmr: zero-length region")
	}

	var start uintptr
	if flags.Fixed() {
		if addr+length-1 > a.Limit {
			return nil, kerrors.New(kerrors.EINVAL, "vmr: fixed mapping exceeds address space limit")
		}
		if err := a.unmapLocked(addr, length); err != nil {
			return nil, err
		}
		start = addr
	} else {
		hole, err := a.FindHole(length, WhenceStart)
		if err != nil {
			return nil, err
		}
		start = hole
	}

	if err := validateMapping(prot, flags); err != nil {
		return nil, err
	}

	r := &Region{Start: start, End: start + length - 1, Prot: prot, Flags: flags, MemSize: length}
	a.insertSorted(r)
	return r, nil
}

// Unmap removes (or truncates/splits) every region overlapping
// [addr, addr+length-1].
func (a *AddressSpace) Unmap(addr, length uintptr) error {
	a.AssertLocked()
	return a.unmapLocked(addr, length)
}

func (a *AddressSpace) unmapLocked(addr, length uintptr) error {
	if length == 0 {
		return kerrors.New(kerrors.EINVAL, "vmr: zero-length unmap")
	}
	end := addr + length - 1

	for i := 0; i < len(a.regions); {
		r := a.regions[i]
		if !r.overlaps(addr, end) {
			i++
			continue
		}

		switch {
		case addr <= r.Start && end >= r.End:
			// fully covered: drop it.
			a.removeAt(i)
			continue

		case addr > r.Start && end < r.End:
			// unmap a hole out of the middle: split into two regions.
			left := r.clone()
			left.End = addr - 1
			right := r.clone()
			right.Start = end + 1
			a.UsedSpace -= r.Size()
			a.regions[i] = left
			a.UsedSpace += left.Size()
			a.regions = append(a.regions, nil)
			copy(a.regions[i+2:], a.regions[i+1:])
			a.regions[i+1] = right
			a.UsedSpace += right.Size()
			i += 2

		case addr <= r.Start:
			// truncate from the left.
			a.UsedSpace -= r.Size()
			r.Start = end + 1
			a.UsedSpace += r.Size()
			i++

		default:
			// truncate from the right.
			a.UsedSpace -= r.Size()
			r.End = addr - 1
			a.UsedSpace += r.Size()
			i++
		}
	}
	return nil
}

// Protect changes the protection of [addr, addr+length-1], splitting
// boundary regions as needed.
//
// The whole operation is staged on a scratch copy of the region list and
// only swapped into a's live list once every constraint check succeeds —
// resolving the original's unresolved "what if a later region in the
// range fails validation after earlier ones were already split" case with
// a transactional all-or-nothing apply, instead of leaving the address
// space partially mutated.
func (a *AddressSpace) Protect(addr, length uintptr, prot Prot) error {
	a.AssertLocked()
	if length == 0 {
		return kerrors.New(kerrors.EINVAL, "vmr: zero-length protect")
	}
	end := addr + length - 1

	staged := make([]*Region, len(a.regions))
	for i, r := range a.regions {
		staged[i] = r.clone()
	}

	var touched bool
	var changed []*Region
	for i := 0; i < len(staged); {
		r := staged[i]
		if !r.overlaps(addr, end) {
			i++
			continue
		}
		touched = true

		switch {
		case addr <= r.Start && end >= r.End:
			r.Prot = prot
			changed = append(changed, r)
			i++

		case addr > r.Start && end < r.End:
			left := r.clone()
			left.End = addr - 1
			mid := r.clone()
			mid.Start, mid.End = addr, end
			mid.Prot = prot
			right := r.clone()
			right.Start = end + 1
			staged[i] = left
			staged = append(staged, nil, nil)
			copy(staged[i+3:], staged[i+1:])
			staged[i+1] = mid
			staged[i+2] = right
			changed = append(changed, mid)
			i += 3

		case addr <= r.Start:
			left := r.clone()
			left.End = end
			left.Prot = prot
			right := r.clone()
			right.Start = end + 1
			staged[i] = left
			staged = append(staged, nil)
			copy(staged[i+2:], staged[i+1:])
			staged[i+1] = right
			changed = append(changed, left)
			i += 2

		default:
			left := r.clone()
			left.End = addr - 1
			right := r.clone()
			right.Start = addr
			right.Prot = prot
			staged[i] = left
			staged = append(staged, nil)
			copy(staged[i+2:], staged[i+1:])
			staged[i+1] = right
			changed = append(changed, right)
			i += 2
		}
	}

	if !touched {
		return kerrors.New(kerrors.ENOENT, "vmr: no mapping in protected range")
	}

	for _, r := range changed {
		if err := validateMapping(r.Prot, r.Flags); err != nil {
			return err
		}
	}

	a.regions = staged
	return nil
}

// AllocStack allocates a downward-growing (FlagGrowsdown) region of the
// requested length at the top of the address space (below Limit).
func (a *AddressSpace) AllocStack(length uintptr) (*Region, error) {
	a.AssertLocked()
	hole, err := a.FindHole(length, WhenceEnd)
	if err != nil {
		return nil, err
	}
	r := &Region{
		Start: hole, End: hole + length - 1,
		Prot:  ProtRead | ProtWrite,
		Flags: FlagGrowsdown | FlagPrivate,
		Name:  "stack",
	}
	if err := validateMapping(r.Prot, r.Flags); err != nil {
		return nil, err
	}
	a.insertSorted(r)
	return r, nil
}

// Expand grows or shrinks region by incr bytes at its growth edge
// (upward normally, downward if FlagGrowsdown is set). It fails EACCES if
// the region's FlagDontExpand bit is set, ENOENT if region is not in this
// address space, and ENOMEM if the new bound would overlap its neighbor
// or (growing upward) exceed Limit.
func (a *AddressSpace) Expand(region *Region, incr int64) error {
	a.AssertLocked()
	if region.Flags.DontExpand() {
		return kerrors.New(kerrors.EACCES, "vmr: region cannot expand")
	}
	i := a.searchIndex(region.Start)
	if i >= len(a.regions) || a.regions[i] != region {
		return kerrors.New(kerrors.ENOENT, "vmr: region not a member of this address space")
	}

	if region.Flags.Stack() {
		newStart := region.Start - uintptr(incr)
		if i > 0 && newStart <= a.regions[i-1].End {
			return kerrors.New(kerrors.ENOMEM, "vmr: expansion would overlap preceding region")
		}
		a.UsedSpace -= region.Size()
		region.Start = newStart
		a.UsedSpace += region.Size()
		return nil
	}

	newEnd := region.End + uintptr(incr)
	if i+1 < len(a.regions) && newEnd >= a.regions[i+1].Start {
		return kerrors.New(kerrors.ENOMEM, "vmr: expansion would overlap following region")
	}
	if newEnd > a.Limit {
		return kerrors.New(kerrors.ENOMEM, "vmr: expansion exceeds address space limit")
	}
	a.UsedSpace -= region.Size()
	region.End = newEnd
	a.UsedSpace += region.Size()
	return nil
}

// Clone deep-copies every region into a new AddressSpace, sharing no
// Region pointers with the original (no copy-on-write page sharing is
// modeled; this module has no physical frames to share).
func (a *AddressSpace) Clone() *AddressSpace {
	a.AssertLocked()
	clone := New(a.Limit)
	clone.Brk = a.Brk
	clone.UsedSpace = a.UsedSpace
	clone.focus = a.focus
	clone.regions = make([]*Region, len(a.regions))
	for i, r := range a.regions {
		cp := r.clone()
		clone.regions[i] = cp
		switch r {
		case a.Arg:
			clone.Arg = cp
		case a.Env:
			clone.Env = cp
		case a.Heap:
			clone.Heap = cp
		}
	}
	return clone
}

// SetFocus records the address space's currently-faulting or
// currently-executing address, readable back through Focus.
func (a *AddressSpace) SetFocus(addr uintptr) error {
	a.AssertLocked()
	if addr > a.Limit {
		return kerrors.New(kerrors.EINVAL, "vmr: focus address exceeds limit")
	}
	a.focus = addr
	return nil
}

// Focus returns the address last passed to SetFocus.
func (a *AddressSpace) Focus() uintptr {
	a.AssertLocked()
	return a.focus
}

// Regions returns a snapshot slice of every region, in address order.
// Callers must not mutate the returned Region values' Start/End directly;
// use Unmap/Protect/Expand.
func (a *AddressSpace) Regions() []*Region {
	a.AssertLocked()
	out := make([]*Region, len(a.regions))
	copy(out, a.regions)
	return out
}

// ArgEnvCopy stages argv and envv as two adjacent regions sized to their
// encoded (pointer-array + string-data) footprint, the way a new process's
// initial stack layout reserves space for the argument and environment
// vectors before the entry point runs.
func (a *AddressSpace) ArgEnvCopy(argv, envv []string) (arg, env *Region, err error) {
	a.AssertLocked()
	argSize := encodedSize(argv)
	envSize := encodedSize(envv)

	argRegion, err := a.MapRegion(0, argSize, ProtRead, FlagPrivate|FlagAnon)
	if err != nil {
		return nil, nil, kerrors.Wrap(kerrors.ENOMEM, "vmr: mapping argv region", err)
	}
	argRegion.Name = "argv"

	envRegion, err := a.MapRegion(0, envSize, ProtRead, FlagPrivate|FlagAnon)
	if err != nil {
		_ = a.unmapLocked(argRegion.Start, argRegion.Size())
		return nil, nil, kerrors.Wrap(kerrors.ENOMEM, "vmr: mapping envv region", err)
	}
	envRegion.Name = "envv"

	a.Arg, a.Env = argRegion, envRegion
	return argRegion, envRegion, nil
}

func encodedSize(strs []string) uintptr {
	const ptrSize = 8
	size := uintptr(len(strs)+1) * ptrSize // NULL-terminated pointer array
	for _, s := range strs {
		size += uintptr(len(s)) + 1 // NUL-terminated string data
	}
	if size == 0 {
		size = ptrSize
	}
	return size
}
