package tensorio

import "math"

// Half-precision conversions. Checkpoints store f16/bf16; merge
// arithmetic runs in float32, so loads widen and saves narrow with
// round-to-nearest-even.

func f32FromBits(u uint32) float32 {
	return math.Float32frombits(u)
}

func bitsFromF32(f float32) uint32 {
	return math.Float32bits(f)
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// bf16FromF32 truncates a float32 to bfloat16 with round-to-nearest-even.
func bf16FromF32(f float32) uint16 {
	b := math.Float32bits(f)
	if b&0x7FFFFFFF > 0x7F800000 {
		// NaN: keep sign and exponent, force a mantissa bit so the
		// narrowed value stays NaN.
		return uint16(b>>16) | 0x0040
	}
	bias := uint32(0x7FFF + ((b >> 16) & 1))
	return uint16((b + bias) >> 16)
}

func f16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			// subnormal: renormalize
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// f16FromF32 narrows a float32 to IEEE half precision with
// round-to-nearest-even, flushing values below the smallest subnormal to
// zero and overflowing to infinity.
func f16FromF32(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16((b >> 16) & 0x8000)
	abs := b & 0x7FFFFFFF

	switch {
	case abs > 0x7F800000:
		return sign | 0x7E00 // NaN
	case abs >= 0x477FF000:
		return sign | 0x7C00 // rounds past the largest normal: infinity
	case abs < 0x33000000:
		return sign // below half the smallest subnormal: zero
	}

	exp := int(abs>>23) - 127 + 15
	frac := abs & 0x7FFFFF
	if exp <= 0 {
		// subnormal target: shift the implicit bit into the mantissa
		frac |= 0x800000
		shift := uint(14 - exp)
		half := uint16(frac >> shift)
		rem := frac & ((1 << shift) - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}
		return sign | half
	}

	half := uint16(exp<<10) | uint16(frac>>13)
	rem := frac & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		// incrementing may carry into the exponent, which stays correct
		half++
	}
	return sign | half
}
