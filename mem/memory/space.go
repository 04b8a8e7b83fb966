package memory

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// A Region describes where a storage sits in the guest physical address
// space.
type Region struct {
	Base uint32
	Size uint32
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

type region struct {
	Region
	storage *Storage
}

// A Space is the guest physical address space. It is made of
// non-overlapping storages, typically main RAM at 0 and, on some consoles,
// an extended RAM bank at 0x10000000. Multi-byte helpers are big-endian, as
// the guest is.
type Space struct {
	regions []region
}

// NewSpace creates an empty physical address space.
func NewSpace() *Space {
	return &Space{}
}

// AddRegion places a storage at the given base address.
func (s *Space) AddRegion(base uint32, storage *Storage) *Space {
	r := region{
		Region:  Region{Base: base, Size: storage.Capacity()},
		storage: storage,
	}

	for _, other := range s.regions {
		if uint64(r.Base) < other.End() && uint64(other.Base) < r.End() {
			panic(fmt.Sprintf("region 0x%08x overlaps region 0x%08x",
				r.Base, other.Base))
		}
	}

	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].Base < s.regions[j].Base
	})

	return s
}

// Regions lists the regions in ascending address order.
func (s *Space) Regions() []Region {
	regions := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		regions = append(regions, r.Region)
	}

	return regions
}

func (s *Space) find(addr uint32, length uint32) (region, bool) {
	end := uint64(addr) + uint64(length)

	for _, r := range s.regions {
		if addr >= r.Base && end <= r.End() {
			return r, true
		}
	}

	return region{}, false
}

// Contains tells if [addr, addr+length) lies inside a single region.
func (s *Space) Contains(addr uint32, length uint32) bool {
	_, ok := s.find(addr, length)
	return ok
}

// ReadBytes fills buf from guest physical memory.
func (s *Space) ReadBytes(addr uint32, buf []byte) error {
	r, ok := s.find(addr, uint32(len(buf)))
	if !ok {
		return errors.Wrapf(ErrOutOfRange, "read 0x%08x+%d", addr, len(buf))
	}

	return r.storage.ReadInto(addr-r.Base, buf)
}

// WriteBytes stores data into guest physical memory.
func (s *Space) WriteBytes(addr uint32, data []byte) error {
	r, ok := s.find(addr, uint32(len(data)))
	if !ok {
		return errors.Wrapf(ErrOutOfRange, "write 0x%08x+%d", addr, len(data))
	}

	return r.storage.Write(addr-r.Base, data)
}

// ReadU32 reads a big-endian word.
func (s *Space) ReadU32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := s.ReadBytes(addr, buf[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteU32 writes a big-endian word.
func (s *Space) WriteU32(addr uint32, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)

	return s.WriteBytes(addr, buf[:])
}
