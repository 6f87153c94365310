package math

// AccrualWindow describes one vesting period and what has been committed and
// released within it. Timestamps are nanoseconds since epoch.
type AccrualWindow struct {
	PeriodStartNs   int64
	PeriodEndNs     int64
	Committed       Amount
	AlreadyUnlocked Amount
}

// Accrue returns how much more of the committed amount vests as of nowNs
// under continuous linear vesting. The result is never negative. When maxDelta is
// non-nil the result is additionally limited to *maxDelta.
//
// Callers must still clamp the result to the entity's remaining locked
// balance before applying it.
func Accrue(w AccrualWindow, nowNs int64, maxDelta *Amount) Amount {
	target := VestedTarget(w, nowNs)

	newly := target.SaturatingSub(w.AlreadyUnlocked)
	if maxDelta != nil {
		newly = Min(newly, *maxDelta)
	}
	return newly
}

// VestedTarget returns the total amount of the committed value that should
// have been released by nowNs: committed * elapsed / duration. Spans are
// measured in uint64 so windows wider than math.MaxInt64 do not wrap.
func VestedTarget(w AccrualWindow, nowNs int64) Amount {
	start := w.PeriodStartNs
	end := w.PeriodEndNs

	if end <= start {
		if nowNs > start {
			return w.Committed
		}
		return Zero()
	}
	if nowNs <= start {
		return Zero()
	}
	if nowNs >= end {
		return w.Committed
	}

	duration := uint64(end) - uint64(start)
	elapsed := uint64(nowNs) - uint64(start)
	return w.Committed.MulDiv(elapsed, duration)
}
