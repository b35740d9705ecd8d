package paramspace

import (
	"fmt"
	"math/bits"
)

// sobolMaxDim is the highest dimension the direction-number table covers
const sobolMaxDim = 16

// sobolBits is the bit precision of generated coordinates
const sobolBits = 32

// Direction-number parameters (primitive polynomial degree s, coefficient
// a, initial m values) for dimensions 2..16, from the Joe/Kuo tables.
// Dimension 1 is the van der Corput sequence and needs no entry.
var sobolParams = []struct {
	s uint
	a uint32
	m []uint32
}{
	{1, 0, []uint32{1}},
	{2, 1, []uint32{1, 3}},
	{3, 1, []uint32{1, 3, 1}},
	{3, 2, []uint32{1, 1, 1}},
	{4, 1, []uint32{1, 1, 3, 3}},
	{4, 4, []uint32{1, 3, 5, 13}},
	{5, 2, []uint32{1, 1, 5, 5, 17}},
	{5, 4, []uint32{1, 1, 5, 5, 5}},
	{5, 7, []uint32{1, 1, 7, 11, 19}},
	{5, 11, []uint32{1, 1, 5, 1, 1}},
	{5, 13, []uint32{1, 1, 1, 3, 11}},
	{5, 14, []uint32{1, 3, 5, 5, 31}},
	{6, 1, []uint32{1, 3, 3, 9, 7, 49}},
	{6, 13, []uint32{1, 1, 1, 15, 21, 21}},
	{6, 16, []uint32{1, 3, 1, 13, 27, 49}},
}

// sobolSequence generates a Sobol low-discrepancy sequence using
// Gray-code ordering. The first point is the origin, matching the
// convention of common QMC libraries.
type sobolSequence struct {
	dim   int
	v     [][]uint32 // direction numbers per dimension
	x     []uint32   // current integer state per dimension
	count uint64
}

// newSobolSequence creates a sequence of the given dimension
func newSobolSequence(dim int) (*sobolSequence, error) {
	if dim < 1 || dim > sobolMaxDim {
		return nil, fmt.Errorf("sobol dimension must be in [1,%d], got %d", sobolMaxDim, dim)
	}

	seq := &sobolSequence{
		dim: dim,
		v:   make([][]uint32, dim),
		x:   make([]uint32, dim),
	}

	for d := 0; d < dim; d++ {
		seq.v[d] = directionNumbers(d)
	}

	return seq, nil
}

// directionNumbers computes the scaled direction numbers for dimension d
func directionNumbers(d int) []uint32 {
	v := make([]uint32, sobolBits)

	if d == 0 {
		// Van der Corput: v_j = 2^(bits-j)
		for j := 0; j < sobolBits; j++ {
			v[j] = 1 << (sobolBits - 1 - j)
		}
		return v
	}

	p := sobolParams[d-1]
	s := int(p.s)

	m := make([]uint32, sobolBits)
	copy(m, p.m)

	// Recurrence: m_j = 2 a_1 m_{j-1} ^ 4 a_2 m_{j-2} ^ ... ^ 2^s m_{j-s} ^ m_{j-s}
	for j := s; j < sobolBits; j++ {
		mj := m[j-s] ^ (m[j-s] << uint(s))
		for k := 1; k < s; k++ {
			if (p.a>>(uint(s)-1-uint(k)))&1 == 1 {
				mj ^= m[j-k] << uint(k)
			}
		}
		m[j] = mj
	}

	for j := 0; j < sobolBits; j++ {
		v[j] = m[j] << (sobolBits - 1 - uint(j))
	}
	return v
}

// Next returns the next point in [0,1)^dim
func (s *sobolSequence) Next() []float64 {
	point := make([]float64, s.dim)

	if s.count == 0 {
		s.count++
		return point // origin
	}

	// Gray-code update: flip the direction number indexed by the lowest
	// zero bit of the previous counter.
	c := bits.TrailingZeros64(^(s.count - 1))
	if c >= sobolBits {
		c = sobolBits - 1
	}

	for d := 0; d < s.dim; d++ {
		s.x[d] ^= s.v[d][c]
		point[d] = float64(s.x[d]) / float64(1<<sobolBits)
	}

	s.count++
	return point
}
