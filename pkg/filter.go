package poreflow

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// biquad is one second order section in transposed direct form II.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

func (f *biquad) process(in float64) float64 {
	out := in*f.b0 + f.z1
	f.z1 = in*f.b1 - out*f.a1 + f.z2
	f.z2 = in*f.b2 - out*f.a2
	return out
}

// settle loads the delay line with the state reached after a constant input
// of level. Every section has unit DC gain.
func (f *biquad) settle(level float64) {
	f.z2 = level*f.b2 - level*f.a2
	f.z1 = level*f.b1 - level*f.a1 + f.z2
}

// BesselFilter is a zero-phase low-pass Bessel filter.
type BesselFilter struct {
	Cutoff     float64
	Samplerate float64
	Order      int
	sections   []biquad
}

// NewBesselFilter designs a low-pass Bessel filter with a phase-normalized
// analog prototype. Only even orders between 2 and 10 are supported.
func NewBesselFilter(order int, cutoff, samplerate float64) (*BesselFilter, error) {
	if order < 2 || order > 10 || order%2 != 0 {
		return nil, &SettingsError{Field: "poles", Reason: fmt.Sprintf("order must be even and between 2 and 10, got %d", order)}
	}
	if !(cutoff > 0) || cutoff >= samplerate/2 {
		return nil, &SettingsError{Field: "cutoff", Reason: fmt.Sprintf("%g Hz is not below the Nyquist frequency of %g Hz", cutoff, samplerate/2)}
	}

	poles, err := besselPoles(order)
	if err != nil {
		return nil, err
	}

	warped := 2 * samplerate * math.Tan(math.Pi*cutoff/samplerate)
	fs2 := complex(2*samplerate, 0)
	filter := &BesselFilter{Cutoff: cutoff, Samplerate: samplerate, Order: order}
	for _, p := range poles {
		if imag(p) <= 0 {
			continue
		}
		s := p * complex(warped, 0)
		z := (fs2 + s) / (fs2 - s)
		a1 := -2 * real(z)
		a2 := real(z)*real(z) + imag(z)*imag(z)
		g := (1 + a1 + a2) / 4
		filter.sections = append(filter.sections, biquad{b0: g, b1: 2 * g, b2: g, a1: a1, a2: a2})
	}
	if len(filter.sections) != order/2 {
		return nil, fmt.Errorf("bessel design of order %d produced %d sections", order, len(filter.sections))
	}
	return filter, nil
}

// besselPoles returns the roots of the reverse Bessel polynomial of the given
// order, scaled for phase normalization.
func besselPoles(order int) ([]complex128, error) {
	coeffs := make([]float64, order+1)
	for k := 0; k <= order; k++ {
		// (2n-k)! / (2^(n-k) k! (n-k)!), built in floating point
		c := 1.0
		for i := order - k + 1; i <= 2*order-k; i++ {
			c *= float64(i)
		}
		for i := 2; i <= k; i++ {
			c /= float64(i)
		}
		c /= math.Pow(2, float64(order-k))
		coeffs[k] = c
	}

	// companion matrix of the monic polynomial
	companion := mat.NewDense(order, order, nil)
	for i := 1; i < order; i++ {
		companion.Set(i, i-1, 1)
	}
	for i := 0; i < order; i++ {
		companion.Set(i, order-1, -coeffs[i]/coeffs[order])
	}
	var eig mat.Eigen
	if ok := eig.Factorize(companion, mat.EigenNone); !ok {
		return nil, fmt.Errorf("bessel polynomial of order %d: eigen decomposition failed", order)
	}
	roots := eig.Values(nil)

	norm := math.Pow(coeffs[0], 1/float64(order))
	for i := range roots {
		roots[i] /= complex(norm, 0)
		if math.Abs(imag(roots[i])) < 1e-12*cmplx.Abs(roots[i]) {
			roots[i] = complex(real(roots[i]), 0)
		}
	}
	return roots, nil
}

// Apply runs the filter forward and backward over the data. Both edges are
// padded with the median of the samples next to them.
func (f *BesselFilter) Apply(data []float64) []float64 {
	if len(data) == 0 {
		return nil
	}
	pad := 10 * f.Order
	edge := 3 * f.Order
	if edge > len(data) {
		edge = len(data)
	}
	head := median(data[:edge])
	tail := median(data[len(data)-edge:])

	padded := make([]float64, 0, len(data)+2*pad)
	for i := 0; i < pad; i++ {
		padded = append(padded, head)
	}
	padded = append(padded, data...)
	for i := 0; i < pad; i++ {
		padded = append(padded, tail)
	}

	f.pass(padded)
	reverse(padded)
	f.pass(padded)
	reverse(padded)

	out := make([]float64, len(data))
	copy(out, padded[pad:pad+len(data)])
	return out
}

func (f *BesselFilter) pass(data []float64) {
	sections := make([]biquad, len(f.sections))
	copy(sections, f.sections)
	for i := range sections {
		sections[i].settle(data[0])
	}
	for i, v := range data {
		for j := range sections {
			v = sections[j].process(v)
		}
		data[i] = v
	}
}

func reverse(data []float64) {
	for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
		data[i], data[j] = data[j], data[i]
	}
}
