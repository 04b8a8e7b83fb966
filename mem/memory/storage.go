// Package memory provides the guest physical memory backing store.
package memory

import (
	"errors"
)

// ErrOutOfRange is returned when an access reaches beyond the capacity of a
// storage or outside every region of a space.
var ErrOutOfRange = errors.New(
	"accessing physical address beyond the storage capacity")

const unitSize = 4096

// A Storage keeps the data of one region of guest physical memory.
//
// The storage manages the data in units of 4 KiB, the size of a guest page.
// For the units that are not touched by Read and Write, no memory is
// allocated. A storage can alternatively be backed by a host byte slice, in
// which case the units are windows into that slice. The fastmem arena uses
// this to share guest RAM between the slow path and direct host mappings.
type Storage struct {
	capacity uint32
	data     map[uint32][]byte
	backing  []byte
}

// NewStorage creates a sparse storage object with the specified capacity.
func NewStorage(capacity uint32) *Storage {
	storage := new(Storage)

	storage.capacity = capacity
	storage.data = make(map[uint32][]byte)

	return storage
}

// NewBackedStorage creates a storage whose content lives in the given slice.
func NewBackedStorage(backing []byte) *Storage {
	if uint64(len(backing)) > 1<<32 {
		panic("backing slice larger than the guest physical address space")
	}

	return &Storage{
		capacity: uint32(len(backing)),
		backing:  backing,
	}
}

// Capacity returns the number of bytes the storage can hold.
func (s *Storage) Capacity() uint32 {
	return s.capacity
}

func (s *Storage) inRange(address uint32, length uint32) bool {
	return uint64(address)+uint64(length) <= uint64(s.capacity)
}

// createOrGetStorageUnit retrieves a storage unit if the unit has been created
// before. Otherwise it initializes a storage unit in the storage object.
func (s *Storage) createOrGetStorageUnit(address uint32) []byte {
	baseAddr, _ := s.parseAddress(address)

	if s.backing != nil {
		end := uint64(baseAddr) + unitSize
		if end > uint64(len(s.backing)) {
			end = uint64(len(s.backing))
		}

		return s.backing[baseAddr:end]
	}

	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, unitSize)
		s.data[baseAddr] = unit
	}

	return unit
}

func (s *Storage) parseAddress(addr uint32) (baseAddr, inUnitAddr uint32) {
	inUnitAddr = addr % unitSize
	baseAddr = addr - inUnitAddr

	return
}

// Read returns a copy of length bytes starting at address.
func (s *Storage) Read(address uint32, length uint32) ([]byte, error) {
	res := make([]byte, length)

	if err := s.ReadInto(address, res); err != nil {
		return nil, err
	}

	return res, nil
}

// ReadInto fills buf with the bytes starting at address.
func (s *Storage) ReadInto(address uint32, buf []byte) error {
	if !s.inRange(address, uint32(len(buf))) {
		return ErrOutOfRange
	}

	currAddr := address
	dataOffset := 0

	for dataOffset < len(buf) {
		unit := s.createOrGetStorageUnit(currAddr)
		_, inUnitAddr := s.parseAddress(currAddr)

		n := copy(buf[dataOffset:], unit[inUnitAddr:])
		dataOffset += n
		currAddr += uint32(n)
	}

	return nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint32, data []byte) error {
	if !s.inRange(address, uint32(len(data))) {
		return ErrOutOfRange
	}

	currAddr := address
	dataOffset := 0

	for dataOffset < len(data) {
		unit := s.createOrGetStorageUnit(currAddr)
		_, inUnitAddr := s.parseAddress(currAddr)

		n := copy(unit[inUnitAddr:], data[dataOffset:])
		dataOffset += n
		currAddr += uint32(n)
	}

	return nil
}
