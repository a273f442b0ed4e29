package audio

import (
	"math"
	"sync"
)

// MaxPolyphaseFactor bounds the reduced up/down factors for which the
// polyphase filter is built. Rate pairs beyond it use linear interpolation.
const MaxPolyphaseFactor = 1024

// kaiserBeta matches the default window used by common resample_poly
// implementations.
const kaiserBeta = 5.0

// Resample converts mono PCM16LE audio from srcHz to dstHz. Equal rates pass
// through unchanged; input holding no whole sample yields empty output. The
// polyphase path is used whenever the
// rate pair reduces to factors of at most MaxPolyphaseFactor; otherwise the
// linear fallback runs. Output samples are clamped to the int16 range.
func Resample(pcm []byte, srcHz, dstHz int) []byte {
	if srcHz == dstHz {
		return pcm
	}
	if len(pcm) < 2 {
		return []byte{}
	}
	up, down, ok := polyphaseFactors(srcHz, dstHz)
	if !ok {
		return ResampleLinear(pcm, srcHz, dstHz)
	}
	return ResamplePolyphase(pcm, up, down)
}

func polyphaseFactors(srcHz, dstHz int) (up, down int, ok bool) {
	if srcHz <= 0 || dstHz <= 0 {
		return 0, 0, false
	}
	g := gcd(srcHz, dstHz)
	up, down = dstHz/g, srcHz/g
	if max(up, down) > MaxPolyphaseFactor {
		return 0, 0, false
	}
	return up, down, true
}

// ResamplePolyphase upsamples by up, low-pass filters with a Kaiser-windowed
// sinc and downsamples by down. The output holds ceil(n*up/down) samples.
func ResamplePolyphase(pcm []byte, up, down int) []byte {
	x := DecodePCM16(pcm)
	n := len(x)
	if n == 0 || up <= 0 || down <= 0 {
		return []byte{}
	}
	if up == down {
		return EncodePCM16(x)
	}

	h := filterTaps(up, down)
	half := (len(h) - 1) / 2
	outLen := (n*up + down - 1) / down
	out := make([]float64, outLen)

	for m := 0; m < outLen; m++ {
		// Position in the upsampled stream, shifted to the filter center.
		t := m*down + half
		kHi := t / up
		if kHi > n-1 {
			kHi = n - 1
		}
		kLo := 0
		if lo := t - (len(h) - 1); lo > 0 {
			kLo = (lo + up - 1) / up
		}
		var acc float64
		for k := kLo; k <= kHi; k++ {
			acc += float64(x[k]) * h[t-k*up]
		}
		out[m] = acc
	}
	return encodeClamped(out)
}

type filterKey struct{ up, down int }

// filters caches designed taps per factor pair. Cached slices are read-only.
var filters sync.Map

func filterTaps(up, down int) []float64 {
	key := filterKey{up, down}
	if h, ok := filters.Load(key); ok {
		return h.([]float64)
	}
	h, _ := filters.LoadOrStore(key, designFilter(up, down))
	return h.([]float64)
}

// designFilter returns the low-pass taps for the given factors, scaled by up so
// that every polyphase branch has unity DC gain.
func designFilter(up, down int) []float64 {
	maxRate := max(up, down)
	half := 10 * maxRate
	length := 2*half + 1
	cutoff := 1.0 / float64(maxRate)

	h := make([]float64, length)
	i0Beta := besselI0(kaiserBeta)
	for j := 0; j < length; j++ {
		x := float64(j - half)
		r := x / float64(half)
		w := besselI0(kaiserBeta*math.Sqrt(1-r*r)) / i0Beta
		h[j] = cutoff * sinc(cutoff*x) * w * float64(up)
	}
	return h
}

// ResampleLinear maps every output index to a normalized position in the
// source and interpolates linearly between the neighbouring samples. The
// output holds floor(n*dstHz/srcHz) samples.
func ResampleLinear(pcm []byte, srcHz, dstHz int) []byte {
	x := DecodePCM16(pcm)
	n := len(x)
	if n == 0 || srcHz <= 0 || dstHz <= 0 {
		return []byte{}
	}
	outLen := int(int64(n) * int64(dstHz) / int64(srcHz))
	out := make([]float64, outLen)
	for j := 0; j < outLen; j++ {
		pos := float64(j) * float64(n) / float64(outLen)
		i := int(pos)
		if i >= n-1 {
			out[j] = float64(x[n-1])
			continue
		}
		frac := pos - float64(i)
		out[j] = float64(x[i])*(1-frac) + float64(x[i+1])*frac
	}
	return encodeClamped(out)
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// besselI0 is the zeroth-order modified Bessel function of the first kind.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	q := x * x / 4
	for k := 1; k < 64; k++ {
		term *= q / float64(k*k)
		sum += term
		if term < sum*1e-12 {
			break
		}
	}
	return sum
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
