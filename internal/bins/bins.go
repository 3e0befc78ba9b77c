// Package bins maps chunk sizes to segregated-fit size classes and tracks
// which classes are non-empty with a two-level bitmask.
//
// The size-class encoding is floating-point-like: for sizes of at least
// 2^MantissaBits grains the bin index packs an exponent and a mantissa, so
// class granularity scales with size; smaller sizes get one bin per value.
// The encoding is based on: https://github.com/sebbbi/OffsetAllocator/blob/main/offsetAllocator.cpp
package bins

import "math/bits"

// Mask is the word type backing both bitmask levels.
type Mask = uint64

const maskBits = 64

// MaxAllocationGrains is the largest classifiable size: 1 GiB expressed in
// 32-byte grains.
const MaxAllocationGrains = (1024 * 1024 * 1024) / 32

// maxBins bounds the bin count; the effective bound is also capped by
// maskBits^2 so that the two-level bitmask can always cover every bin.
const maxBins = 4096

// Results of the optimal-configuration search for MaxAllocationGrains and
// maxBins. Hard-coded so array lengths stay constants; TestOptimalConfig
// re-runs the search and checks these against it.
const (
	// MantissaBits is the widest mantissa whose highest round-up bin index
	// still fits under maxBins.
	MantissaBits = 7

	// BinCount is the number of size classes: the highest round-up bin
	// index of MaxAllocationGrains, plus one.
	BinCount = 2432

	// SecondaryWords is the number of secondary mask words needed to give
	// every bin a bit.
	SecondaryWords = (BinCount + maskBits - 1) / maskBits
)

// indexFor computes the bin index of size (in grains) for a given mantissa
// width. With roundUp set, any size bits below the mantissa bump the index so
// the resulting bin only holds chunks of at least the given size; without it
// the index is the bin whose lower bound is at most the size.
func indexFor(size uint32, mantissaBits uint32, roundUp bool) uint32 {
	if size == 0 {
		return 0
	}

	mantissaValue := uint32(1) << mantissaBits
	if size < mantissaValue {
		// The first 2^mantissaBits bins hold a single size each.
		return size - 1
	}

	mantissaStartBit := (31 - uint32(bits.LeadingZeros32(size))) - mantissaBits
	exponent := mantissaStartBit + 1
	mantissa := (size >> mantissaStartBit) & (mantissaValue - 1)

	if roundUp {
		lowBitsMask := uint32(1)<<mantissaStartBit - 1
		if size&lowBitsMask != 0 {
			mantissa++
		}
		// The mantissa may have carried into the exponent; plain addition
		// propagates it.
		return exponent<<mantissaBits + mantissa - 1
	}

	return (exponent<<mantissaBits | mantissa) - 1
}

// IndexRoundUp returns the smallest bin whose members are all at least size
// grains.
func IndexRoundUp(size uint32) uint32 {
	return indexFor(size, MantissaBits, true)
}

// IndexRoundDown returns the bin a free chunk of the given size belongs to.
func IndexRoundDown(size uint32) uint32 {
	return indexFor(size, MantissaBits, false)
}

// Config is one candidate outcome of the configuration search.
type Config struct {
	MantissaBits uint32
	BinCount     uint32
}

// OptimalConfig picks the largest mantissa width (tried from 8 down to 1)
// whose highest round-up bin index stays under the requested bin budget. It
// mirrors what the hard-coded constants above encode; the ok result is false
// only if no width fits, which cannot happen for any sane maximum size.
func OptimalConfig(maxAllocationGrains uint32, requestedMaxBins uint32) (Config, bool) {
	if trueMaxBins := uint32(maskBits * maskBits); trueMaxBins < requestedMaxBins {
		requestedMaxBins = trueMaxBins
	}

	for mantissaBits := uint32(8); mantissaBits >= 1; mantissaBits-- {
		highest := indexFor(maxAllocationGrains, mantissaBits, true)
		if highest < requestedMaxBins {
			return Config{MantissaBits: mantissaBits, BinCount: highest + 1}, true
		}
	}

	return Config{}, false
}
