package pcapng

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Resolution if_tsresol 原始取值：最高位为 0 表示 10^-n 秒，为 1 表示 2^-n 秒。
type Resolution uint8

const (
	DefaultResolution     Resolution = 6
	NanosecondResolution  Resolution = 9
	MicrosecondResolution Resolution = 6
	MillisecondResolution Resolution = 3

	resolutionBinary Resolution = 0x80
)

var pow10 = [20]uint64{
	1, 10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000, 100_000_000, 1_000_000_000,
	10_000_000_000, 100_000_000_000, 1_000_000_000_000, 10_000_000_000_000,
	100_000_000_000_000, 1_000_000_000_000_000, 10_000_000_000_000_000,
	100_000_000_000_000_000, 1_000_000_000_000_000_000, 10_000_000_000_000_000_000,
}

// BinaryResolution 返回 2^-n 秒的精度。
func BinaryResolution(n uint8) Resolution {
	return resolutionBinary | Resolution(n&0x7f)
}

func (r Resolution) IsBinary() bool {
	return r&resolutionBinary != 0
}

// Exponent 返回 n。
func (r Resolution) Exponent() uint8 {
	return uint8(r &^ resolutionBinary)
}

// Valid 十进制 n 不超过 19，二进制 n 不超过 63。
func (r Resolution) Valid() bool {
	if r.IsBinary() {
		return r.Exponent() <= 63
	}
	return r.Exponent() <= 19
}

func (r Resolution) String() string {
	if r.IsBinary() {
		return fmt.Sprintf("2^-%d", r.Exponent())
	}
	return fmt.Sprintf("10^-%d", r.Exponent())
}

// Duration 返回单个时间单位的近似时长，小于 1ns 时返回 0。
func (r Resolution) Duration() time.Duration {
	n := r.Exponent()
	if r.IsBinary() {
		if n >= 30 {
			return 0
		}
		return time.Second >> n
	}
	if n > 9 {
		return 0
	}
	return time.Duration(pow10[9-n])
}

// ToTime 把时间单位数换算为 UTC 时间，offset 为 if_tsoffset 秒数。
func (r Resolution) ToTime(units uint64, offset int64) time.Time {
	if !r.Valid() {
		r = DefaultResolution
	}
	n := r.Exponent()
	var sec, nsec uint64
	if r.IsBinary() {
		sec = units >> n
		frac := units & (1<<n - 1)
		hi, lo := bits.Mul64(frac, 1_000_000_000)
		if n == 0 {
			nsec = 0
		} else {
			nsec = hi<<(64-n) | lo>>n
		}
	} else {
		div := pow10[n]
		sec = units / div
		frac := units % div
		if n <= 9 {
			nsec = frac * pow10[9-n]
		} else {
			nsec = frac / pow10[n-9]
		}
	}
	return time.Unix(int64(sec)+offset, int64(nsec)).UTC()
}

// Units 把时间换算为该精度下的时间单位数；早于 offset 的时间记为 0，超出 64 位时饱和为 math.MaxUint64。
func (r Resolution) Units(t time.Time, offset int64) uint64 {
	if !r.Valid() {
		r = DefaultResolution
	}
	s := t.Unix() - offset
	if s < 0 {
		return 0
	}
	sec, nsec := uint64(s), uint64(t.Nanosecond())
	n := r.Exponent()
	var mult, frac uint64
	switch {
	case r.IsBinary():
		mult = 1 << n
		hi, lo := bits.Mul64(nsec, mult)
		frac, _ = bits.Div64(hi, lo, 1_000_000_000)
	case n <= 9:
		mult, frac = pow10[n], nsec/pow10[9-n]
	default:
		mult, frac = pow10[n], nsec*pow10[n-9]
	}
	hi, whole := bits.Mul64(sec, mult)
	sum, carry := bits.Add64(whole, frac, 0)
	if hi != 0 || carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// Writable 单位不细于 1ns 的精度才允许写出。
func (r Resolution) Writable() bool {
	return r.Valid() && r.Duration() > 0
}

// ResolutionFromDuration 只接受 1s 到 1ns 之间的十进制精度。
func ResolutionFromDuration(d time.Duration) (Resolution, error) {
	for n := 0; n <= 9; n++ {
		if time.Duration(pow10[9-n]) == d {
			return Resolution(n), nil
		}
	}
	return 0, fmt.Errorf("pcapng: unsupported timestamp resolution %s", d)
}
