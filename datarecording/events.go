package datarecording

import (
	"fmt"
	"sync"

	"github.com/sarchlab/ppcmmu/mem/vm/fastmem"
	"github.com/sarchlab/ppcmmu/mem/vm/mmu"
	"github.com/sarchlab/ppcmmu/mem/vm/watch"
	"github.com/sarchlab/ppcmmu/sim/hooking"
)

const eventTable = "translation_events"

// eventRow is one recorded event. Columns that do not apply to an event are
// left zero. Register values are split into two words so that BAT pairs keep
// both halves unsigned.
type eventRow struct {
	Seq    uint64
	Domain string
	Event  string
	Kind   string
	Addr   uint32
	Length uint32
	PAddr  uint32
	Upper  uint32
	Lower  uint32
	Flag   bool
}

type named interface {
	Name() string
}

// An EventRecorder is a hook that records the events of the MMU, the fastmem
// manager and the watch list.
type EventRecorder struct {
	lock     sync.Mutex
	recorder DataRecorder
	seq      uint64
}

// NewEventRecorder creates an EventRecorder and its table.
func NewEventRecorder(recorder DataRecorder) *EventRecorder {
	recorder.CreateTable(eventTable, eventRow{})

	return &EventRecorder{recorder: recorder}
}

// Func records the event described by ctx.
func (r *EventRecorder) Func(ctx hooking.HookCtx) {
	if ctx.Pos == nil {
		return
	}

	row := eventRow{Event: ctx.Pos.Name, Domain: domainName(ctx.Domain)}

	switch item := ctx.Item.(type) {
	case mmu.RegisterWrite:
		row.Kind = item.Kind.String()
		row.Addr = uint32(item.Index)
		row.Upper = uint32(item.Value >> 32)
		row.Lower = uint32(item.Value)
	case mmu.Invalidation:
		row.Addr = item.Addr
		row.Length = item.Length
		row.Flag = item.Global
	case fastmem.Fault:
		row.Kind = item.Kind.String()
		row.Addr = item.EA
		row.Flag = item.Handled
	case fastmem.Mapping:
		row.Addr = item.EA
		row.PAddr = item.PAddr
		row.Length = item.Size
		row.Flag = item.Writable
	case watch.Range:
		row.Addr = item.Start
		row.Length = item.Length()
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.seq++
	row.Seq = r.seq
	r.recorder.InsertData(eventTable, row)
}

// NumEvents returns the number of events recorded so far.
func (r *EventRecorder) NumEvents() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.seq
}

func domainName(d hooking.Hookable) string {
	if n, ok := d.(named); ok {
		return n.Name()
	}

	if d == nil {
		return ""
	}

	return fmt.Sprintf("%T", d)
}
