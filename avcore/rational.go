package avcore

import "github.com/asticode/go-astiav"

// Rational re-exports astiav's rational type so every package in this module
// shares one vocabulary for {num, den} timebases without re-wrapping it.
type Rational = astiav.Rational

// NewRational is a thin alias kept for readability at call sites that build
// a timebase from scratch (e.g. "1 / sampleRate").
func NewRational(num, den int) Rational {
	return astiav.NewRational(num, den)
}

// Invert returns 1/r, used when turning a frame rate into a timebase.
func Invert(r Rational) Rational {
	if r.Num() == 0 {
		return astiav.NewRational(0, 1)
	}
	return astiav.NewRational(r.Den(), r.Num())
}

// RescaleQ rescales ts from srcTB to dstTB. astiav exposes the libav
// av_rescale_q primitive directly; this wrapper exists only so call sites
// import avcore instead of astiav for arithmetic, keeping the collaborator
// binding confined to one package per spec §0.
func RescaleQ(ts int64, srcTB, dstTB Rational) int64 {
	return astiav.RescaleQ(ts, srcTB, dstTB)
}

// CompareTS compares (tsA, tbA) to (tsB, tbB) under cross-timebase
// comparison, per spec §6's `compare_ts`. Returns -1, 0, or 1. Unlike
// RescaleQ this has no direct libav-call equivalent cheap enough to use on
// every PreMuxQueue comparison (it would require two divisions per
// comparison); it is implemented with cross multiplication in plain int64
// arithmetic, which is the standard rational-comparison algorithm and not
// something any library in the retrieval pack provides. Products outside the
// int64 range overflow and give a wrong ordering.
func CompareTS(tsA int64, tbA Rational, tsB int64, tbB Rational) int {
	// a/b < c/d  <=>  a*d < c*b, relying on positive denominators (always the
	// case for a valid timebase); there is no overflow guard.
	lhs := mulDiv(tsA, int64(tbA.Num())*int64(tbB.Den()))
	rhs := mulDiv(tsB, int64(tbB.Num())*int64(tbA.Den()))
	switch {
	case lhs < rhs:
		return -1
	case lhs > rhs:
		return 1
	default:
		return 0
	}
}

// mulDiv multiplies a by b returning a value safe to compare against another
// mulDiv result for the magnitudes PTS/DTS realistically reach (<2^62 after
// multiplying by a 32-bit timebase component); it exists to keep CompareTS
// legible without pulling in math/big for a hot per-packet comparison.
func mulDiv(a, b int64) int64 {
	return a * b
}

// RescaleDelta rescales `ts` (expressed in inTB) to outTB through the
// intermediate timebase fsTB, carrying the truncation remainder of the
// inTB→fsTB step from one call to the next in `carry` (in units of
// 1/(inTB.Den*fsTB.Num) of an fsTB tick) — this is the audio stream-copy
// rescaling path of spec §4.5. astiav does not expose av_rescale_delta (it
// is a muxing-side convenience, not part of the codec send/receive surface
// astiav targets). This function is not a port of it: `duration` is accepted
// but not used, no previously rescaled timestamp is kept, and every call
// rescales from ts itself; the fsTB→outTB step is a plain RescaleQ.
func RescaleDelta(inTB Rational, ts int64, fsTB Rational, duration int64, carry *int64, outTB Rational) int64 {
	if ts == AVNoPTS {
		return AVNoPTS
	}
	// Intermediate timebase is fsTB (the sample-rate-native timebase, e.g.
	// 1/48000); rescale ts into it, carrying the truncation remainder
	// forward so consecutive calls do not systematically drift.
	num := ts*int64(inTB.Num())*int64(fsTB.Den()) + *carry
	den := int64(inTB.Den()) * int64(fsTB.Num())
	var q int64
	if den != 0 {
		q = num / den
		*carry = num - q*den
	} else {
		q = 0
	}
	_ = duration
	return RescaleQ(q, fsTB, outTB)
}

// AVNoPTS mirrors libav's AV_NOPTS_VALUE sentinel for "timestamp unknown".
const AVNoPTS = int64(-9223372036854775808) // math.MinInt64, avoids importing math for one constant
