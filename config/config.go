// Package config holds the parameters that shape one Engine and the
// file it drives: which backend to use, alignment/geometry, and which
// guest-visible features (write-zeroes, discard) are advertised.
package config

import (
	"fmt"

	"github.com/behrlich/blockaio/backend"
)

// BlockProperty describes the geometry a guest sees for one backing
// file: block sizes, discard granularity, and feature flags.
type BlockProperty struct {
	LogicalBlockSize  uint32
	PhysicalBlockSize uint32
	DiscardGranularity uint32
	MaxDiscardSectors  uint32
	MaxWriteZeroesSectors uint32
	DiscardEnabled     bool
	WriteZeroesEnabled bool
	UnmapOnWriteZeroes bool
	ReadOnly           bool
	Rotational         bool
}

// DefaultBlockProperty returns the geometry used when a caller doesn't
// override anything: 512-byte logical blocks, 4096-byte physical
// blocks, discard and write-zeroes both enabled.
func DefaultBlockProperty() BlockProperty {
	return BlockProperty{
		LogicalBlockSize:      512,
		PhysicalBlockSize:     4096,
		DiscardGranularity:    4096,
		MaxDiscardSectors:     1 << 20,
		MaxWriteZeroesSectors: 1 << 20,
		DiscardEnabled:        true,
		WriteZeroesEnabled:    true,
		UnmapOnWriteZeroes:    true,
	}
}

// EngineParams configures one Engine: which backend it drives, how
// deeply it batches, and whether direct I/O is in play (which in turn
// determines whether misaligned requests need the bounce-buffer path).
type EngineParams struct {
	Backend       backend.Kind
	MaxBatch      int
	Direct        bool
	ReqAlign      uint32 // required for Direct; typically the logical sector size
	BufAlign      uint32 // required for Direct; typically the page size
	BlockProperty BlockProperty
}

// DefaultEngineParams returns a KindOff engine with the default block
// geometry and no direct I/O.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		Backend:       backend.KindOff,
		MaxBatch:      128,
		BlockProperty: DefaultBlockProperty(),
	}
}

// Validate reports whether p describes a usable engine configuration.
func (p EngineParams) Validate() error {
	if p.MaxBatch <= 0 {
		return fmt.Errorf("config: MaxBatch must be positive, got %d", p.MaxBatch)
	}
	if p.Direct {
		if p.ReqAlign == 0 || (p.ReqAlign&(p.ReqAlign-1)) != 0 {
			return fmt.Errorf("config: ReqAlign must be a nonzero power of two for direct I/O, got %d", p.ReqAlign)
		}
		if p.BufAlign == 0 || (p.BufAlign&(p.BufAlign-1)) != 0 {
			return fmt.Errorf("config: BufAlign must be a nonzero power of two for direct I/O, got %d", p.BufAlign)
		}
	}
	return nil
}
