package transport

import "math"

// InitialRepairInterval is the RepairInterval a fresh connection starts
// at, before any loss has been observed (spec.md §4.2).
const InitialRepairInterval uint32 = 9

// SuspendRepair is the RepairInterval special value meaning "the receiver
// has observed zero loss since the last report; stop spending bandwidth
// on repair symbols" (spec.md §4.2, §4.7).
const SuspendRepair uint32 = math.MaxUint32

// RepairIntervalForLossRate derives a repair interval from an observed
// per-decoded-block loss rate p (decoded-symbols-missing over
// decoded-symbols-expected, in [0,1]), per spec.md §4.8:
// repair_interval := min(ceil(1/p - 1), UINT32_MAX - 1). Under Bernoulli
// loss, 1/p-1 source symbols are expected between losses; rounding up
// rather than truncating means the interval never overshoots the observed
// rate. p == 0 suspends repair entirely.
func RepairIntervalForLossRate(p float64) uint32 {
	if p <= 0 {
		return SuspendRepair
	}
	if p >= 1 {
		return 1
	}
	interval := math.Ceil(1/p - 1)
	if interval < 1 {
		return 1
	}
	if interval > float64(math.MaxUint32-1) {
		return math.MaxUint32 - 1
	}
	return uint32(interval)
}
