package mmu

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/vm"
)

type chunk struct {
	ea    uint32
	paddr uint32
	start int
	end   int
}

// translateChunks translates every page an access of length n at ea touches.
// Nothing is accessed unless every page translates.
func (c *Comp) translateChunks(
	ea uint32,
	n int,
	kind vm.AccessKind,
) ([]chunk, error) {
	chunks := make([]chunk, 0, 2)

	for done := 0; done < n; {
		addr := ea + uint32(done)
		size := vm.PageSize - int(addr&vm.PageMask)
		if size > n-done {
			size = n - done
		}

		res, err := c.Translate(addr, kind)
		if err != nil {
			return nil, err
		}

		chunks = append(chunks, chunk{
			ea: addr, paddr: res.PAddr, start: done, end: done + size,
		})
		done += size
	}

	return chunks, nil
}

// Read loads len(buf) bytes at ea. Loads pass AccessRead, instruction fetches
// AccessExecute and debuggers one of the probe kinds.
func (c *Comp) Read(ea uint32, buf []byte, kind vm.AccessKind) error {
	if kind.IsWrite() {
		return errors.Errorf("read with access kind %s", kind)
	}

	chunks, err := c.translateChunks(ea, len(buf), kind)
	if err != nil {
		return err
	}

	for _, ch := range chunks {
		err := c.memory.ReadBytes(ch.paddr, buf[ch.start:ch.end])
		if err != nil {
			return errors.Wrapf(err, "read at 0x%08x", ch.ea)
		}
	}

	return nil
}

// Write stores data at ea.
func (c *Comp) Write(ea uint32, data []byte) error {
	chunks, err := c.translateChunks(ea, len(data), vm.AccessWrite)
	if err != nil {
		return err
	}

	for _, ch := range chunks {
		err := c.storePhysical(ch.paddr, data[ch.start:ch.end])
		if err != nil {
			return errors.Wrapf(err, "write at 0x%08x", ch.ea)
		}
	}

	return nil
}

// WritePhysical stores data at a physical address, as a device doing DMA
// would. Stores into the page table are noticed like guest stores.
func (c *Comp) WritePhysical(paddr uint32, data []byte) error {
	return c.storePhysical(paddr, data)
}

// storePhysical writes guest memory and drops every translation derived
// from page table entries the store modifies.
func (c *Comp) storePhysical(paddr uint32, data []byte) error {
	n := uint32(len(data))
	if n == 0 || !c.pageTable.Overlaps(paddr, n) {
		return c.memory.WriteBytes(paddr, data)
	}

	c.fire(HookPosPageTableStore, Invalidation{Addr: paddr, Length: n})

	first := paddr &^ (vm.PTESize - 1)
	last := uint32(uint64(paddr)+uint64(n)-1) &^ (vm.PTESize - 1)

	if n > vm.PTESize || first != last {
		err := c.memory.WriteBytes(paddr, data)
		c.dropAllTranslations()

		return err
	}

	before, beforeErr := c.loadPTE(first)

	if err := c.memory.WriteBytes(paddr, data); err != nil {
		return err
	}

	after, afterErr := c.loadPTE(first)
	if beforeErr != nil || afterErr != nil {
		c.dropAllTranslations()
		return nil
	}

	c.invalidateEntryPages(first, before)
	c.invalidateEntryPages(first, after)

	return nil
}

func (c *Comp) dropAllTranslations() {
	c.flushTLB()
	c.unmapAll()
	c.clearCode()
}

// invalidateEntryPages drops the pages a PTE at pteAddr maps in every segment
// currently using its VSID.
func (c *Comp) invalidateEntryPages(pteAddr uint32, pte vm.PTE) {
	if !pte.Valid() {
		return
	}

	pageIndex := c.pageTable.PageIndexFromEntry(pteAddr, pte)

	for i, sr := range c.sr {
		if sr.VSID() != pte.VSID() {
			continue
		}

		c.invalidatePage(uint32(i)<<28 | pageIndex<<vm.PageShift)
	}
}

// ReadU8 loads a byte.
func (c *Comp) ReadU8(ea uint32) (uint8, error) {
	var buf [1]byte
	err := c.Read(ea, buf[:], vm.AccessRead)

	return buf[0], err
}

// ReadU16 loads a big-endian halfword.
func (c *Comp) ReadU16(ea uint32) (uint16, error) {
	var buf [2]byte
	err := c.Read(ea, buf[:], vm.AccessRead)

	return binary.BigEndian.Uint16(buf[:]), err
}

// ReadU32 loads a big-endian word.
func (c *Comp) ReadU32(ea uint32) (uint32, error) {
	var buf [4]byte
	err := c.Read(ea, buf[:], vm.AccessRead)

	return binary.BigEndian.Uint32(buf[:]), err
}

// ReadU64 loads a big-endian doubleword.
func (c *Comp) ReadU64(ea uint32) (uint64, error) {
	var buf [8]byte
	err := c.Read(ea, buf[:], vm.AccessRead)

	return binary.BigEndian.Uint64(buf[:]), err
}

// FetchInstruction loads the instruction word at ea.
func (c *Comp) FetchInstruction(ea uint32) (uint32, error) {
	var buf [4]byte
	err := c.Read(ea, buf[:], vm.AccessExecute)

	return binary.BigEndian.Uint32(buf[:]), err
}

// WriteU8 stores a byte.
func (c *Comp) WriteU8(ea uint32, v uint8) error {
	return c.Write(ea, []byte{v})
}

// WriteU16 stores a big-endian halfword.
func (c *Comp) WriteU16(ea uint32, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)

	return c.Write(ea, buf[:])
}

// WriteU32 stores a big-endian word.
func (c *Comp) WriteU32(ea uint32, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)

	return c.Write(ea, buf[:])
}

// WriteU64 stores a big-endian doubleword.
func (c *Comp) WriteU64(ea uint32, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)

	return c.Write(ea, buf[:])
}
