package utils

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Matrix functions used throughout the encoder.

// r = rows of matrix
// c = columns of matrix
// o = output
// m = matrix input number 1
// n = matrix input number 2

func Dot(m, n mat.Matrix) mat.Matrix {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

// AddBias adds a (r x 1) bias column to every column of m.
func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, j)+bias.At(i, 0))
		}
	}
	return out
}

// -------- ReLU activation --------
// Shape-compatible with mat.Dense.Apply; ReluPrime takes the pre-activation.

func ReluApply(i, j int, x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func ReluPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) > 0 {
				out.Set(i, j, 1)
			}
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmax applies softmax independently to each row across columns.
// Attention weights have shape (T_q x T_k); row sums should be 1.
func RowSoftmax(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := make([]float64, c)
		for j := 0; j < c; j++ {
			row[j] = m.At(i, j)
		}
		// numerical stability
		mx := row[0]
		for _, v := range row {
			if v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			row[j] = math.Exp(row[j] - mx)
			sum += row[j]
		}
		for j := 0; j < c; j++ {
			out.Set(i, j, row[j]/sum)
		}
	}
	return out
}

// RowSoftmaxBiased computes softmax(m + sum of biases) row-wise. Nil biases
// are skipped, so the same helper serves plain, padding-masked, and
// time-fused attention.
func RowSoftmaxBiased(m *mat.Dense, biases ...*mat.Dense) *mat.Dense {
	r, c := m.Dims()
	for _, b := range biases {
		if b == nil {
			continue
		}
		if br, bc := b.Dims(); br != r || bc != c {
			panic("rowSoftmaxBiased: bias shape mismatch")
		}
	}
	at := func(i, j int) float64 {
		v := m.At(i, j)
		for _, b := range biases {
			if b != nil {
				v += b.At(i, j)
			}
		}
		return v
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		mx := at(i, 0)
		for j := 1; j < c; j++ {
			if v := at(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(at(i, j) - mx)
			out.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			out.Set(i, j, out.At(i, j)*inv)
		}
	}
	return out
}

// ColVectorSoftmax applies softmax across the single column of a (r x 1)
// vector. Used for logits -> probabilities in the loss.
func ColVectorSoftmax(v *mat.Dense) *mat.Dense {
	r, c := v.Dims()
	if c != 1 {
		panic("ColVectorSoftmax expects a (r x 1) column vector")
	}
	out := mat.NewDense(r, 1, nil)
	mx := v.At(0, 0)
	for i := 1; i < r; i++ {
		if v.At(i, 0) > mx {
			mx = v.At(i, 0)
		}
	}
	sum := 0.0
	for i := 0; i < r; i++ {
		e := math.Exp(v.At(i, 0) - mx)
		out.Set(i, 0, e)
		sum += e
	}
	for i := 0; i < r; i++ {
		out.Set(i, 0, out.At(i, 0)/sum)
	}
	return out
}

// ColumnSoftmax applies ColVectorSoftmax to every column of m, turning a
// (vocab x T) logit matrix into per-position distributions.
func ColumnSoftmax(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for t := 0; t < c; t++ {
		mx := m.At(0, t)
		for i := 1; i < r; i++ {
			if m.At(i, t) > mx {
				mx = m.At(i, t)
			}
		}
		sum := 0.0
		for i := 0; i < r; i++ {
			e := math.Exp(m.At(i, t) - mx)
			out.Set(i, t, e)
			sum += e
		}
		for i := 0; i < r; i++ {
			out.Set(i, t, out.At(i, t)/sum)
		}
	}
	return out
}

// SoftmaxBackward for row-wise softmax used in attention.
// Vector-JVP form: for each row i,
// s = sum_k dA[i,k] * A[i,k]; dS[i,j] = A[i,j] * (dA[i,j] - s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ---------- Loss ----------

// MaskedCrossEntropy scores a (vocab x T) logit matrix against combined
// labels where labels[t][0] is the gold token id and labels[t][1] flags
// whether position t contributes to the loss. Loss and gradient are averaged
// over the flagged positions; with no flagged position both are zero.
func MaskedCrossEntropy(logits *mat.Dense, labels [][2]int) (float64, *mat.Dense) {
	r, c := logits.Dims()
	if len(labels) != c {
		panic("MaskedCrossEntropy: label length mismatch")
	}
	grad := mat.NewDense(r, c, nil)
	nSel := 0
	for _, l := range labels {
		if l[1] != 0 {
			nSel++
		}
	}
	if nSel == 0 {
		return 0, grad
	}
	inv := 1.0 / float64(nSel)
	loss := 0.0
	for t := 0; t < c; t++ {
		if labels[t][1] == 0 {
			continue
		}
		gold := labels[t][0]
		if gold < 0 || gold >= r {
			gold = 0
		}
		col := mat.NewDense(r, 1, nil)
		for i := 0; i < r; i++ {
			col.Set(i, 0, logits.At(i, t))
		}
		prob := ColVectorSoftmax(col)
		loss += -math.Log(prob.At(gold, 0)+1e-12) * inv
		for i := 0; i < r; i++ {
			grad.Set(i, t, prob.At(i, 0)*inv)
		}
		grad.Set(gold, t, grad.At(gold, t)-inv)
	}
	return loss, grad
}
