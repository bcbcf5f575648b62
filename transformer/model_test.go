package transformer

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"concept-bert/params"
	"concept-bert/utils"
)

func smallConfig() params.ModelConfig {
	return params.ModelConfig{
		DModel:      8,
		NumHeads:    2,
		Layers:      2,
		Dff:         16,
		SeqLen:      6,
		HalfWindow:  3,
		DropoutRate: 0.1,
		DebugEvery:  1000,
	}
}

func TestModelProbabilitiesSumToOnePerPosition(t *testing.T) {
	m := NewModel(smallConfig(), 9, 1)
	concepts := []int{2, 5, 9, 1}
	times := []int{0, 3, 3, 10}

	probs, attn := m.Forward(concepts, times, nil, false)
	r, c := probs.Dims()
	if r != 10 || c != 4 {
		t.Fatalf("probs are (%d x %d), want (10 x 4)", r, c)
	}
	for tpos := 0; tpos < c; tpos++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			v := probs.At(i, tpos)
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				t.Fatalf("probs[%d][%d] = %v", i, tpos, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("position %d probabilities sum to %.6g, want 1", tpos, sum)
		}
	}
	if len(attn) != 2 {
		t.Fatalf("got attention weights for %d layers, want 2", len(attn))
	}
}

func TestModelMaskedPositionsStayFinite(t *testing.T) {
	m := NewModel(smallConfig(), 9, 2)
	concepts := []int{2, 5, 9, 9}
	times := []int{0, 3, 3, 3}
	mask := []int{0, 0, 1, 1}

	logits, attn := m.ForwardLogits(concepts, times, mask, false)
	r, c := logits.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := logits.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("logits[%d][%d] = %v", i, j, v)
			}
		}
	}
	for layer, heads := range attn {
		for h, a := range heads {
			for q := 0; q < 4; q++ {
				for _, k := range []int{2, 3} {
					if w := a.At(q, k); w > 1e-6 {
						t.Errorf("layer %d head %d: padded key %d kept weight %.6g", layer, h, k, w)
					}
				}
			}
		}
	}
}

func TestModelRejectsBadInputs(t *testing.T) {
	m := NewModel(smallConfig(), 9, 3)
	cases := []struct {
		name            string
		concepts, times []int
	}{
		{"empty", nil, nil},
		{"too long", []int{1, 1, 1, 1, 1, 1, 1}, []int{0, 0, 0, 0, 0, 0, 0}},
		{"length mismatch", []int{1, 2}, []int{0}},
		{"id out of range", []int{1, 10}, []int{0, 0}},
	}
	for _, c := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expected panic", c.name)
				}
			}()
			m.ForwardLogits(c.concepts, c.times, nil, false)
		}()
	}
}

func TestModelGradientsMatchFiniteDifference(t *testing.T) {
	m := NewModel(smallConfig(), 9, 4)
	concepts := []int{2, 5, 9, 1}
	times := []int{0, 3, 3, 10}
	labels := [][2]int{{2, 1}, {5, 0}, {9, 1}, {1, 0}}

	loss := func() float64 {
		logits, _ := m.ForwardLogits(concepts, times, nil, false)
		l, _ := utils.MaskedCrossEntropy(logits, labels)
		return l
	}

	logits, _ := m.ForwardLogits(concepts, times, nil, false)
	_, dLogits := utils.MaskedCrossEntropy(logits, labels)
	grads := m.BackwardGradsOnly(dLogits)

	const eps = 1e-5
	check := func(name string, w, g *mat.Dense, i, j int) {
		orig := w.At(i, j)
		w.Set(i, j, orig+eps)
		up := loss()
		w.Set(i, j, orig-eps)
		down := loss()
		w.Set(i, j, orig)

		numeric := (up - down) / (2 * eps)
		analytic := g.At(i, j)
		if math.Abs(numeric-analytic) > 1e-4*(1+math.Abs(numeric)) {
			t.Errorf("%s[%d][%d]: analytic %.6g vs numeric %.6g", name, i, j, analytic, numeric)
		}
	}

	// shared embedding: column 5 is both looked up and tied-projected
	check("Emb", m.Emb, grads.Emb, 3, 5)
	check("Emb", m.Emb, grads.Emb, 0, 2)
	// positional column for an occupied position
	check("Pos", m.Pos, grads.Pos, 1, 2)
	// time profile: concept 5 always hits its delta-zero bucket
	check("TimeEmb", m.TimeAttn.Embedding, grads.TimeEmb, 5, m.TimeAttn.HalfWindow)
	// one per-layer weight
	check("L0.Wq[0]", m.Enc.Layers[0].Mha.Wquery[0], grads.Layers[0].DWq[0], 0, 1)
	check("L1.HiddenW", m.Enc.Layers[1].Ffn.HiddenWeights, grads.Layers[1].DHiddenW, 2, 3)
}

func TestSaveLoadReproducesOutputs(t *testing.T) {
	cfg := smallConfig()
	src := NewModel(cfg, 9, 5)
	src.TokenizerFingerprint = 0xfeed

	path := filepath.Join(t.TempDir(), "model.gob")
	if err := SaveModel(src, path); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	dst := NewModel(cfg, 9, 6) // different random init
	dst.TokenizerFingerprint = 0xfeed
	if err := LoadModel(dst, path); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	concepts := []int{2, 5, 9, 1}
	times := []int{0, 3, 3, 10}
	a, _ := src.ForwardLogits(concepts, times, nil, false)
	b, _ := dst.ForwardLogits(concepts, times, nil, false)
	if !mat.EqualApprox(a, b, 1e-12) {
		t.Fatal("loaded model disagrees with the saved one")
	}
}

func TestSameSeedBuildsIdenticalModels(t *testing.T) {
	a := NewModel(smallConfig(), 9, 42)
	b := NewModel(smallConfig(), 9, 42)

	concepts := []int{2, 5, 9, 1}
	times := []int{0, 3, 3, 10}
	la, _ := a.ForwardLogits(concepts, times, nil, false)
	lb, _ := b.ForwardLogits(concepts, times, nil, false)
	if !mat.EqualApprox(la, lb, 1e-12) {
		t.Fatal("two models built from the same seed diverged")
	}
}

func TestLoadRejectsMismatchedFeedForwardWidth(t *testing.T) {
	cfg := smallConfig()
	src := NewModel(cfg, 9, 11)

	path := filepath.Join(t.TempDir(), "model.gob")
	if err := SaveModel(src, path); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	wide := cfg
	wide.Dff = 32
	dst := NewModel(wide, 9, 12)
	if err := LoadModel(dst, path); err == nil {
		t.Fatal("expected an error loading into a model with a different feed-forward width")
	}

	narrow := cfg
	narrow.NumHeads = 4
	dst = NewModel(narrow, 9, 13)
	if err := LoadModel(dst, path); err == nil {
		t.Fatal("expected an error loading into a model with a different head count")
	}
}

func TestLoadRejectsMismatchedTokenizer(t *testing.T) {
	cfg := smallConfig()
	src := NewModel(cfg, 9, 7)
	src.TokenizerFingerprint = 1

	path := filepath.Join(t.TempDir(), "model.gob")
	if err := SaveModel(src, path); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	dst := NewModel(cfg, 9, 8)
	dst.TokenizerFingerprint = 2
	if err := LoadModel(dst, path); err == nil {
		t.Fatal("expected a fingerprint mismatch error")
	}
}

func TestCloneForGradsOnlySharesWeights(t *testing.T) {
	m := NewModel(smallConfig(), 9, 9)
	clone := m.CloneForGradsOnly(99)

	concepts := []int{2, 5, 9, 1}
	times := []int{0, 3, 3, 10}
	a, _ := m.ForwardLogits(concepts, times, nil, false)
	b, _ := clone.ForwardLogits(concepts, times, nil, false)
	if !mat.EqualApprox(a, b, 1e-12) {
		t.Fatal("clone output diverged from the original")
	}

	// caches must be private: a forward on the clone with other inputs must
	// not disturb the original's pending backward
	clone.ForwardLogits([]int{1, 1}, []int{0, 0}, nil, false)
	logits, _ := m.ForwardLogits(concepts, times, nil, false)
	_, dLogits := utils.MaskedCrossEntropy(logits, [][2]int{{2, 1}, {5, 1}, {9, 1}, {1, 1}})
	grads := m.BackwardGradsOnly(dLogits)
	if grads.Emb == nil || grads.TimeEmb == nil {
		t.Fatal("backward after clone activity returned nil gradients")
	}
}

func TestConceptEmbeddingCopies(t *testing.T) {
	m := NewModel(smallConfig(), 9, 10)
	v := m.ConceptEmbedding(3)
	if len(v) != 8 {
		t.Fatalf("embedding length = %d, want 8", len(v))
	}
	v[0] += 1000
	if math.Abs(m.Emb.At(0, 3)-v[0]) < 500 {
		t.Fatal("ConceptEmbedding returned a live reference, want a copy")
	}
}
