package cmd

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/system"
	"go.uber.org/zap"
)

// An Access is one guest data access of a trace.
type Access struct {
	Write bool
	EA    uint32
	Value uint32
}

// ParseTrace reads one access per line: "r addr" or "w addr value".
// Blank lines and lines starting with # are skipped.
func ParseTrace(r io.Reader) ([]Access, error) {
	var trace []Access

	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		a, err := parseAccess(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "trace line %d", line)
		}

		trace = append(trace, a)
	}

	return trace, errors.Wrap(scanner.Err(), "reading trace")
}

func parseAccess(fields []string) (Access, error) {
	var (
		a   Access
		err error
	)

	switch {
	case fields[0] == "r" && len(fields) == 2:
	case fields[0] == "w" && len(fields) == 3:
		a.Write = true
		if a.Value, err = parseU32(fields[2]); err != nil {
			return a, err
		}
	default:
		return a, errors.Errorf("%q is not \"r addr\" or \"w addr value\"",
			strings.Join(fields, " "))
	}

	a.EA, err = parseU32(fields[1])

	return a, err
}

// ReplayStats counts the accesses a replay performed.
type ReplayStats struct {
	Accesses   uint64
	Exceptions uint64
}

// Replayer runs a trace of guest accesses over a system, holding the CPU
// guard for each access like an interpreter holds it for each instruction.
type Replayer struct {
	System   *system.System
	Trace    []Access
	Interval time.Duration
	Logger   *zap.Logger

	stats ReplayStats
}

// Stats returns the counters.
func (r *Replayer) Stats() ReplayStats {
	return r.stats
}

// Step performs the i-th access of the trace. Guest exceptions are counted,
// other errors are returned.
func (r *Replayer) Step(i int) error {
	a := r.Trace[i%len(r.Trace)]

	var buf [4]byte

	var err error

	r.System.Guard.Run(func() {
		if a.Write {
			binary.BigEndian.PutUint32(buf[:], a.Value)
			err = r.System.Write(a.EA, buf[:])
		} else {
			err = r.System.Read(a.EA, buf[:])
		}
	})

	r.stats.Accesses++

	var te *vm.TranslationError
	if errors.As(err, &te) {
		r.stats.Exceptions++
		r.Logger.Debug("guest exception", zap.Error(err))

		return nil
	}

	return err
}

// Run loops over the trace until ctx is done, waiting Interval between two
// accesses. An empty trace returns at once.
func (r *Replayer) Run(ctx context.Context) error {
	if len(r.Trace) == 0 {
		return nil
	}

	var tick <-chan time.Time

	if r.Interval > 0 {
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for i := 0; ; i++ {
		if stopped(ctx, tick) {
			return nil
		}

		if err := r.Step(i); err != nil {
			return err
		}
	}
}

// stopped waits for the next tick and tells if ctx ended first.
func stopped(ctx context.Context, tick <-chan time.Time) bool {
	if tick == nil {
		return ctx.Err() != nil
	}

	select {
	case <-ctx.Done():
		return true
	case <-tick:
		return false
	}
}
