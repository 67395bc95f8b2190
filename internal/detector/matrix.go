package detector

import (
	"fmt"
	"math"
	"math/rand"
)

// matrix is a dense row-major float64 matrix. The model is small enough that
// a plain slice beats pulling in a BLAS binding.
type matrix struct {
	rows, cols int
	data       []float64
}

func newMatrix(rows, cols int) *matrix {
	return &matrix{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

func (m *matrix) at(r, c int) float64     { return m.data[r*m.cols+c] }
func (m *matrix) set(r, c int, v float64) { m.data[r*m.cols+c] = v }
func (m *matrix) add(r, c int, v float64) { m.data[r*m.cols+c] += v }

func (m *matrix) clone() *matrix {
	out := newMatrix(m.rows, m.cols)
	copy(out.data, m.data)
	return out
}

// glorotInit fills the matrix with Glorot-uniform weights.
func (m *matrix) glorotInit(rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(m.rows+m.cols))
	for i := range m.data {
		m.data[i] = (2*rng.Float64() - 1) * limit
	}
}

// matMul returns a * b.
func matMul(a, b *matrix) *matrix {
	if a.cols != b.rows {
		panic(fmt.Sprintf("matMul shape mismatch: %dx%d * %dx%d", a.rows, a.cols, b.rows, b.cols))
	}
	out := newMatrix(a.rows, b.cols)
	for i := 0; i < a.rows; i++ {
		for k := 0; k < a.cols; k++ {
			av := a.at(i, k)
			if av == 0 {
				continue
			}
			for j := 0; j < b.cols; j++ {
				out.add(i, j, av*b.at(k, j))
			}
		}
	}
	return out
}

// matMulAT returns aᵀ * b.
func matMulAT(a, b *matrix) *matrix {
	if a.rows != b.rows {
		panic(fmt.Sprintf("matMulAT shape mismatch: %dx%d, %dx%d", a.rows, a.cols, b.rows, b.cols))
	}
	out := newMatrix(a.cols, b.cols)
	for k := 0; k < a.rows; k++ {
		for i := 0; i < a.cols; i++ {
			av := a.at(k, i)
			if av == 0 {
				continue
			}
			for j := 0; j < b.cols; j++ {
				out.add(i, j, av*b.at(k, j))
			}
		}
	}
	return out
}

// matMulBT returns a * bᵀ.
func matMulBT(a, b *matrix) *matrix {
	if a.cols != b.cols {
		panic(fmt.Sprintf("matMulBT shape mismatch: %dx%d, %dx%d", a.rows, a.cols, b.rows, b.cols))
	}
	out := newMatrix(a.rows, b.rows)
	for i := 0; i < a.rows; i++ {
		for j := 0; j < b.rows; j++ {
			sum := 0.0
			for k := 0; k < a.cols; k++ {
				sum += a.at(i, k) * b.at(j, k)
			}
			out.set(i, j, sum)
		}
	}
	return out
}

func addInPlace(dst, src *matrix) {
	for i := range dst.data {
		dst.data[i] += src.data[i]
	}
}

// addRowVector adds bias to every row of m in place.
func addRowVector(m *matrix, bias []float64) {
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			m.add(i, j, bias[j])
		}
	}
}

// columnSums returns the per-column sum of m.
func columnSums(m *matrix) []float64 {
	sums := make([]float64, m.cols)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			sums[j] += m.at(i, j)
		}
	}
	return sums
}

// reluForward applies ReLU in place and returns a mask of active units.
func reluForward(m *matrix) []bool {
	mask := make([]bool, len(m.data))
	for i, v := range m.data {
		if v > 0 {
			mask[i] = true
		} else {
			m.data[i] = 0
		}
	}
	return mask
}

// reluBackward zeroes gradient entries where the forward pass was inactive.
func reluBackward(grad *matrix, mask []bool) {
	for i := range grad.data {
		if !mask[i] {
			grad.data[i] = 0
		}
	}
}
