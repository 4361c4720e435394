package bitmap

import "math/bits"

const (
	wordBits = 64
	allOnes  = ^uint64(0)
	nibble   = 0xF
)

// lowMask returns a word with the low n bits set.
func lowMask(n uint64) uint64 {
	if n >= wordBits {
		return allOnes
	}
	return 1<<n - 1
}

// findOne returns the index of the lowest clear bit.
func findOne(words []uint64) (uint64, bool) {
	for i, w := range words {
		if w == allOnes {
			continue
		}
		return uint64(i)*wordBits + uint64(bits.TrailingZeros64(^w)), true
	}
	return 0, false
}

// findInWord returns the start of a run of n clear bits, 1 < n <= 64, that
// lies inside a single word. Runs that would straddle two words are not
// considered here.
func findInWord(words []uint64, n uint64) (uint64, bool) {
	for i, w := range words {
		if w == allOnes {
			continue
		}
		base := uint64(i) * wordBits

		if uint64(bits.TrailingZeros64(w)) >= n {
			return base, true
		}
		if lz := uint64(bits.LeadingZeros64(w)); lz >= n {
			return base + wordBits - lz, true
		}
		if n == wordBits {
			continue
		}

		// Shrink the scan window past fully set nibbles at either end.
		lo, hi := uint64(0), uint64(wordBits)
		for lo < hi && (w>>lo)&nibble == nibble {
			lo += 4
		}
		for hi > lo && (w>>(hi-4))&nibble == nibble {
			hi -= 4
		}
		if hi-lo < n {
			continue
		}

		run := uint64(0)
		for b := lo; b < hi; b++ {
			if w&(1<<b) != 0 {
				run = 0
				continue
			}
			run++
			if run == n {
				return base + b + 1 - n, true
			}
		}
	}
	return 0, false
}

// findSpanning returns the start of the first run of n clear bits anywhere
// in the map, crossing word boundaries if necessary.
func findSpanning(words []uint64, n uint64) (uint64, bool) {
	run, start := uint64(0), uint64(0)
	for i, w := range words {
		if w == allOnes {
			run = 0
			continue
		}
		base := uint64(i) * wordBits
		if w == 0 {
			if run == 0 {
				start = base
			}
			run += wordBits
			if run >= n {
				return start, true
			}
			continue
		}
		for b := uint64(0); b < wordBits; b++ {
			if w&(1<<b) != 0 {
				run = 0
				continue
			}
			if run == 0 {
				start = base + b
			}
			run++
			if run == n {
				return start, true
			}
		}
	}
	return 0, false
}

// findLarge returns the start of a run of n > 64 clear bits. The run must
// begin at a fully clear anchor word and is completed either by further
// fully clear words or by enough trailing clear bits in the word after them.
func findLarge(words []uint64, n uint64) (uint64, bool) {
	for i := 0; i < len(words); i++ {
		if words[i] != 0 {
			continue
		}
		need := n - wordBits
		j := i + 1
		for need >= wordBits && j < len(words) && words[j] == 0 {
			need -= wordBits
			j++
		}
		if need == 0 {
			return uint64(i) * wordBits, true
		}
		if need < wordBits && j < len(words) && uint64(bits.TrailingZeros64(words[j])) >= need {
			return uint64(i) * wordBits, true
		}
		// Resume from the first word that could not extend the run.
		i = j - 1
	}
	return 0, false
}

// setRange sets bits [start, start+n).
func setRange(words []uint64, start, n uint64) {
	forRange(start, n, func(i int, mask uint64) { words[i] |= mask })
}

// clearRange clears bits [start, start+n).
func clearRange(words []uint64, start, n uint64) {
	forRange(start, n, func(i int, mask uint64) { words[i] &^= mask })
}

// allSet reports whether every bit in [start, start+n) is set.
func allSet(words []uint64, start, n uint64) bool {
	ok := true
	forRange(start, n, func(i int, mask uint64) {
		if words[i]&mask != mask {
			ok = false
		}
	})
	return ok
}

// anySet reports whether any bit in [start, start+n) is set.
func anySet(words []uint64, start, n uint64) bool {
	hit := false
	forRange(start, n, func(i int, mask uint64) {
		if words[i]&mask != 0 {
			hit = true
		}
	})
	return hit
}

func forRange(start, n uint64, fn func(i int, mask uint64)) {
	for n > 0 {
		i := start / wordBits
		off := start % wordBits
		take := min(n, wordBits-off)
		fn(int(i), lowMask(take)<<off)
		start += take
		n -= take
	}
}
