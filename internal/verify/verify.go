// Package verify computes host-side reference results for the kernel catalog
// and compares device output against them.
package verify

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxnlabs/dpuvec/internal/kernel"
	"github.com/fxnlabs/dpuvec/internal/vector"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
)

var ErrShape = errors.New("operand shapes do not match")

// Expected applies op element-wise on the host with the same semantics as
// the device kernels: int32 arithmetic wraps, float32 follows IEEE-754.
func Expected[T vector.Element](op kernel.Op, operands ...[]T) ([]T, error) {
	if len(operands) != op.Arity() {
		return nil, fmt.Errorf("%s takes %d operands, got %d: %w", op, op.Arity(), len(operands), ErrShape)
	}
	a := operands[0]
	out := make([]T, len(a))

	switch op {
	case kernel.OpAdd, kernel.OpSub:
		b := operands[1]
		if len(b) != len(a) {
			return nil, fmt.Errorf("%s on %d and %d elements: %w", op, len(a), len(b), ErrShape)
		}
		for i := range a {
			if op == kernel.OpAdd {
				out[i] = a[i] + b[i]
			} else {
				out[i] = a[i] - b[i]
			}
		}
	case kernel.OpNegate:
		for i, x := range a {
			out[i] = -x
		}
	case kernel.OpAbs:
		for i, x := range a {
			out[i] = abs(x)
		}
	default:
		return nil, fmt.Errorf("%s: %w", op, kernel.ErrUnknownKernel)
	}
	return out, nil
}

func abs[T vector.Element](x T) T {
	if f, ok := any(x).(float32); ok {
		return any(float32(math.Abs(float64(f)))).(T)
	}
	if x < 0 {
		return -x
	}
	return x
}

// Report summarizes a comparison between device output and the reference.
type Report struct {
	Elements      int
	Mismatches    int
	FirstMismatch int
	MaxAbsError   float64
	Checksum      float64
	Digest        string
}

// OK reports whether every element matched.
func (r Report) OK() bool {
	return r.Mismatches == 0
}

// Compare checks got against want element by element, accepting absolute
// differences up to tol. Length differences count every missing element as
// a mismatch.
func Compare[T vector.Element](got, want []T, tol float64) Report {
	g, w := toFloat64(got), toFloat64(want)
	r := Report{
		Elements:      len(want),
		FirstMismatch: -1,
		Checksum:      floats.Sum(g),
		Digest:        Digest(got),
	}

	n := min(len(g), len(w))
	if n > 0 {
		r.MaxAbsError = floats.Distance(g[:n], w[:n], math.Inf(1))
	}
	for i := 0; i < n; i++ {
		if !scalar.EqualWithinAbs(g[i], w[i], tol) {
			if r.FirstMismatch < 0 {
				r.FirstMismatch = i
			}
			r.Mismatches++
		}
	}
	if len(g) != len(w) {
		if r.FirstMismatch < 0 {
			r.FirstMismatch = n
		}
		r.Mismatches += max(len(g), len(w)) - n
	}
	return r
}

func toFloat64[T vector.Element](vals []T) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out
}

// Digest returns a SHA-256 over the little-endian encoding of vals.
func Digest[T vector.Element](vals []T) string {
	buf := make([]byte, 4*len(vals))
	if len(vals) > 0 {
		if _, err := binary.Encode(buf, binary.LittleEndian, vals); err != nil {
			panic(err)
		}
	}
	return fmt.Sprintf("0x%x", sha256.Sum256(buf))
}

// Sample is one element picked out of a result for display.
type Sample[T vector.Element] struct {
	Index int
	Value T
}

// Samples picks up to count elements at fixed positions: first, middle,
// last, one quarter and three quarters.
func Samples[T vector.Element](vals []T, count int) []Sample[T] {
	samples := make([]Sample[T], 0, count)
	n := len(vals)
	if n == 0 {
		return samples
	}

	positions := []int{0, n / 2, n - 1, n / 4, 3 * n / 4}
	for i := 0; i < count && i < len(positions); i++ {
		idx := positions[i]
		samples = append(samples, Sample[T]{Index: idx, Value: vals[idx]})
	}
	return samples
}
