// Package kernels holds the float32 math shared by the simulated
// accelerator and the host reference implementations.
package kernels

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"
)

// Bmm multiplies batch pairs of matrices. Without adjoints a is
// [batch,n,k] and b is [batch,k,m]; adjA stores a as [batch,k,n] and adjB
// stores b as [batch,m,k]. The result is [batch,n,m].
func Bmm(a, b []float32, batch, n, k, m int, adjA, adjB bool) []float32 {
	if len(a) != batch*n*k || len(b) != batch*k*m {
		panic(fmt.Sprintf("Bmm: operand sizes %d,%d do not match %dx%dx%dx%d", len(a), len(b), batch, n, k, m))
	}
	out := make([]float32, batch*n*m)
	if n == 0 || m == 0 || k == 0 {
		return out
	}
	ta, tb := blas.NoTrans, blas.NoTrans
	ar, ac := n, k
	if adjA {
		ta, ar, ac = blas.Trans, k, n
	}
	br, bc := k, m
	if adjB {
		tb, br, bc = blas.Trans, m, k
	}
	for i := 0; i < batch; i++ {
		ma := blas32.General{Rows: ar, Cols: ac, Stride: ac, Data: a[i*n*k : (i+1)*n*k]}
		mb := blas32.General{Rows: br, Cols: bc, Stride: bc, Data: b[i*k*m : (i+1)*k*m]}
		mc := blas32.General{Rows: n, Cols: m, Stride: m, Data: out[i*n*m : (i+1)*n*m]}
		blas32.Gemm(ta, tb, 1, ma, mb, 0, mc)
	}
	return out
}

// BmmDims validates batched matmul operand shapes and returns the
// problem size. Shapes are as stored, before any adjoint.
func BmmDims(a, b []int, adjA, adjB bool) (batch, n, k, m int, err error) {
	if len(a) != 3 || len(b) != 3 {
		return 0, 0, 0, 0, fmt.Errorf("batch matmul expects 3-D tensors, got %v and %v", a, b)
	}
	batch, n, k = a[0], a[1], a[2]
	if adjA {
		n, k = k, n
	}
	k2, m := b[1], b[2]
	if adjB {
		k2, m = m, k2
	}
	if b[0] != batch || k2 != k {
		return 0, 0, 0, 0, fmt.Errorf("batch matmul shapes %v and %v cannot be multiplied", a, b)
	}
	return batch, n, k, m, nil
}

// Axpy returns x + alpha*y. y may be a single element, broadcast over x.
func Axpy(x, y []float32, alpha float32) []float32 {
	if len(y) != len(x) && len(y) != 1 {
		panic(fmt.Sprintf("Axpy: cannot broadcast %d elements over %d", len(y), len(x)))
	}
	out := make([]float32, len(x))
	for i, v := range x {
		yv := y[0]
		if len(y) != 1 {
			yv = y[i]
		}
		out[i] = v + float32(alpha*yv)
	}
	return out
}

// Muls returns x scaled by v.
func Muls(x []float32, v float32) []float32 {
	out := make([]float32, len(x))
	for i, e := range x {
		out[i] = e * v
	}
	return out
}

// NormalizeDims resolves negative dims against rank and removes duplicates.
// An empty dims list selects every dimension.
func NormalizeDims(rank int, dims []int) ([]int, error) {
	if len(dims) == 0 {
		all := make([]int, rank)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	out := make([]int, 0, len(dims))
	for _, d := range dims {
		nd := d
		if nd < 0 {
			nd += rank
		}
		if nd < 0 || nd >= rank {
			return nil, fmt.Errorf("dimension %d out of range for rank %d", d, rank)
		}
		if slices.Contains(out, nd) {
			return nil, fmt.Errorf("dimension %d appears multiple times", d)
		}
		out = append(out, nd)
	}
	slices.Sort(out)
	return out, nil
}

// ReduceShape is the output shape of reducing shape over dims.
func ReduceShape(shape []int, dims []int, keepdim bool) ([]int, error) {
	nd, err := NormalizeDims(len(shape), dims)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(shape))
	for i, d := range shape {
		if slices.Contains(nd, i) {
			if keepdim {
				out = append(out, 1)
			}
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// LogSumExp computes log(sum(exp(x))) over dims in a numerically stable
// way. Empty reductions yield -Inf.
func LogSumExp(x []float32, shape []int, dims []int, keepdim bool) ([]float32, []int, error) {
	nd, err := NormalizeDims(len(shape), dims)
	if err != nil {
		return nil, nil, err
	}
	outShape, _ := ReduceShape(shape, nd, keepdim)

	// Output strides over the full-rank (keepdim) layout.
	kept := slices.Clone(shape)
	for _, d := range nd {
		kept[d] = 1
	}
	outN := 1
	for _, d := range kept {
		outN *= d
	}
	groups := make([][]float64, outN)

	idx := make([]int, len(shape))
	for i := range x {
		o := 0
		for d := range shape {
			o = o*kept[d] + min(idx[d], kept[d]-1)
		}
		groups[o] = append(groups[o], float64(x[i]))
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	out := make([]float32, outN)
	for i, g := range groups {
		if len(g) == 0 {
			out[i] = float32(math.Inf(-1))
			continue
		}
		out[i] = float32(floats.LogSumExp(g))
	}
	return out, outShape, nil
}

// SoftShrink applies x-l for x>l, x+l for x<-l and 0 otherwise.
func SoftShrink(x []float32, lambd float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		switch {
		case v > lambd:
			out[i] = v - lambd
		case v < -lambd:
			out[i] = v + lambd
		}
	}
	return out
}

// SoftShrinkGrad passes grad through where |x| > lambd.
func SoftShrinkGrad(grad, x []float32, lambd float32) []float32 {
	if len(grad) != len(x) {
		panic(fmt.Sprintf("SoftShrinkGrad: size mismatch %d vs %d", len(grad), len(x)))
	}
	out := make([]float32, len(x))
	for i, v := range x {
		if v > lambd || v < -lambd {
			out[i] = grad[i]
		}
	}
	return out
}

// RShift is an arithmetic right shift. Shifts beyond 31 saturate.
func RShift(x []int32, s int32) []int32 {
	if s < 0 {
		s = 0
	}
	if s > 31 {
		s = 31
	}
	out := make([]int32, len(x))
	for i, v := range x {
		out[i] = v >> s
	}
	return out
}
