package transformer

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestTimeAttentionBucketNormalization(t *testing.T) {
	// half window 1 => buckets for deltas -1, 0, +1
	ta := NewTimeAttention(3, 2, true)
	ta.Embedding.Set(1, 0, 10)
	ta.Embedding.Set(1, 1, 20)
	ta.Embedding.Set(1, 2, 30)

	// deltas: 0, 0, +5 (clipped to +1). Bucket 1 holds two context
	// positions, so its weight is split; bucket 2 holds one.
	logits := ta.Forward([]int{1}, []int{0}, []int{0, 0, 5}, nil)
	want := []float64{10, 10, 30}
	for c, w := range want {
		if got := logits.At(0, c); math.Abs(got-w) > 1e-12 {
			t.Errorf("logit[0][%d] = %.6g, want %.6g", c, got, w)
		}
	}
}

func TestTimeAttentionNegativeDeltaClipping(t *testing.T) {
	ta := NewTimeAttention(2, 2, true)
	ta.Embedding.Set(2, 0, -7) // delta -1 bucket

	logits := ta.Forward([]int{2}, []int{100}, []int{0}, nil)
	if got := logits.At(0, 0); math.Abs(got-(-7)) > 1e-12 {
		t.Fatalf("clipped negative delta logit = %.6g, want -7", got)
	}
}

func TestTimeAttentionSoftmaxRowsSumToOne(t *testing.T) {
	ta := NewTimeAttention(5, 100, false)
	concepts := []int{1, 2, 3}
	times := []int{0, 7, 30}
	mask := []int{0, 0, 1}

	w := ta.SelfForward(concepts, times, mask)
	r, c := w.Dims()
	if r != 3 || c != 3 {
		t.Fatalf("weights are (%d x %d), want (3 x 3)", r, c)
	}
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			v := w.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("weight[%d][%d] = %v", i, j, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sums to %.6g, want 1", i, sum)
		}
		if w.At(i, 2) > 1e-6 {
			t.Errorf("masked context got weight %.6g at row %d", w.At(i, 2), i)
		}
	}
}

func TestTimeAttentionAllMaskedStaysFinite(t *testing.T) {
	ta := NewTimeAttention(4, 10, false)
	w := ta.SelfForward([]int{1, 2}, []int{0, 1}, []int{1, 1})
	r, c := w.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := w.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("weight[%d][%d] = %v with every context masked", i, j, v)
			}
		}
	}
}

func TestTimeAttentionSelfForwardMatchesForward(t *testing.T) {
	ta := NewTimeAttention(6, 50, true)
	for id := 1; id <= 6; id++ {
		for b := 0; b < ta.WindowSize; b++ {
			ta.Embedding.Set(id, b, float64(id)*0.1+float64(b)*0.01)
		}
	}
	concepts := []int{3, 1, 6, 2}
	times := []int{0, 2, 9, 40}
	mask := []int{0, 0, 0, 1}

	a := ta.SelfForward(concepts, times, mask)
	b := ta.Forward(concepts, times, times, mask)
	if !mat.EqualApprox(a, b, 1e-12) {
		t.Fatal("SelfForward disagrees with Forward on identical streams")
	}
}

func TestTimeAttentionBackwardMatchesFiniteDifference(t *testing.T) {
	ta := NewTimeAttention(3, 4, true)
	for id := 1; id <= 3; id++ {
		for b := 0; b < ta.WindowSize; b++ {
			ta.Embedding.Set(id, b, 0.05*float64(id*ta.WindowSize+b))
		}
	}
	concepts := []int{1, 3, 2}
	times := []int{0, 1, 5}

	// scalar objective: weighted sum of the logits
	weights := mat.NewDense(3, 3, []float64{
		0.3, -0.1, 0.7,
		0.2, 0.9, -0.4,
		-0.6, 0.1, 0.5,
	})
	score := func() float64 {
		l := ta.SelfForward(concepts, times, nil)
		s := 0.0
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				s += weights.At(i, j) * l.At(i, j)
			}
		}
		return s
	}

	score()
	grad := ta.BackwardGrads(weights)

	const eps = 1e-5
	for _, probe := range [][2]int{{1, 2}, {3, 0}, {2, 3}} {
		id, b := probe[0], probe[1]
		orig := ta.Embedding.At(id, b)
		ta.Embedding.Set(id, b, orig+eps)
		up := score()
		ta.Embedding.Set(id, b, orig-eps)
		down := score()
		ta.Embedding.Set(id, b, orig)

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-grad.At(id, b)) > 1e-6 {
			t.Errorf("dE[%d][%d]: analytic %.6g vs numeric %.6g", id, b, grad.At(id, b), numeric)
		}
	}
}
