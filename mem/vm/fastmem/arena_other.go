//go:build !(linux && (amd64 || arm64))

package fastmem

import (
	"github.com/sarchlab/ppcmmu/mem/memory"
)

// NewHostArena is not available on this platform. Use a SimArena instead.
func NewHostArena(_ []memory.Region) (HostArena, error) {
	return nil, ErrUnsupported
}
