package transformer

import (
	"math"
	"math/rand"
	"os"
	"sync"

	"gonum.org/v1/gonum/mat"

	"concept-bert/params"
	"concept-bert/utils"
)

// ScaledDotProductAttention computes softmax(Q^T K / sqrt(dHead) + maskBias
// + timeLogits) and applies it to V. q, k, v are (dHead x T) with columns as
// positions; maskBias and timeLogits are optional (T_q x T_k) additive terms
// and may be nil. Returns the attended output (dHead x T_q) and the
// attention weights (T_q x T_k).
func ScaledDotProductAttention(q, k, v, maskBias, timeLogits *mat.Dense) (*mat.Dense, *mat.Dense) {
	dHead, _ := q.Dims()
	var s mat.Dense
	s.Mul(q.T(), k)
	s.Scale(1.0/math.Sqrt(float64(dHead)), &s)
	a := utils.RowSoftmaxBiased(&s, maskBias, timeLogits)
	var out mat.Dense
	out.Mul(v, a.T())
	return utils.ToDense(&out), a
}

type MultiHeadAttention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*mat.Dense
	Wkey    []*mat.Dense
	Wvalue  []*mat.Dense
	Woutput *mat.Dense

	// cache for backprop
	X       *mat.Dense
	Q, K, V []*mat.Dense
	A       []*mat.Dense
	OCat    *mat.Dense

	steps    int
	parallel bool // parallelize over heads if true
}

func NewMultiHeadAttention(dModel, numHeads int, rng *rand.Rand) *MultiHeadAttention {
	if numHeads < 1 || dModel%numHeads != 0 {
		panic("dModel must be divisible by numHeads")
	}
	dHead := dModel / numHeads
	attn := &MultiHeadAttention{
		H:        numHeads,
		DModel:   dModel,
		DHead:    dHead,
		Wquery:   make([]*mat.Dense, numHeads),
		Wkey:     make([]*mat.Dense, numHeads),
		Wvalue:   make([]*mat.Dense, numHeads),
		Q:        make([]*mat.Dense, numHeads),
		K:        make([]*mat.Dense, numHeads),
		V:        make([]*mat.Dense, numHeads),
		A:        make([]*mat.Dense, numHeads),
		parallel: os.Getenv("HEAD_PAR") == "1",
	}
	for h := 0; h < numHeads; h++ {
		attn.Wquery[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), rng))
		attn.Wkey[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), rng))
		attn.Wvalue[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), rng))
	}
	attn.Woutput = mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, float64(dModel), rng))
	return attn
}

// Forward runs all heads over X (dModel x T), fusing the key-padding bias
// and the time-attention logits into every head's scores, and projects the
// concatenated heads back to dModel. The per-head weights are returned for
// introspection.
func (attn *MultiHeadAttention) Forward(X *mat.Dense, maskBias, timeLogits *mat.Dense) (*mat.Dense, []*mat.Dense) {
	attn.X = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)

	work := func(h int) {
		q := utils.ToDense(utils.Dot(attn.Wquery[h], X))
		k := utils.ToDense(utils.Dot(attn.Wkey[h], X))
		v := utils.ToDense(utils.Dot(attn.Wvalue[h], X))
		o, a := ScaledDotProductAttention(q, k, v, maskBias, timeLogits)
		attn.Q[h], attn.K[h], attn.V[h], attn.A[h] = q, k, v, a
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(o)
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			hh := h
			go func() { defer wg.Done(); work(hh) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.OCat = headsCat

	attn.steps++
	if params.Config.Debug && params.Config.DebugEvery > 0 && attn.steps%params.Config.DebugEvery == 0 {
		rs := utils.RowSums(attn.A[0])
		mn, mx := rs[0], rs[0]
		for _, v := range rs {
			if v < mn {
				mn = v
			}
			if v > mx {
				mx = v
			}
		}
		utils.Debugf("Attn: head0 A row-sum min/max = %.4f/%.4f (T=%d)", mn, mx, len(rs))
	}

	Y := utils.ToDense(utils.Dot(attn.Woutput, headsCat))
	return Y, attn.A
}

// BackwardGradsOnly computes gradients without updating weights. The mask
// bias and time logits enter the scores additively, so dTimeLogits is the
// per-head softmax-backward dS summed over heads; the constant mask bias
// absorbs no gradient.
func (attn *MultiHeadAttention) BackwardGradsOnly(dY *mat.Dense) (
	dX *mat.Dense,
	dWq, dWk, dWv []*mat.Dense,
	dWo, dTimeLogits *mat.Dense,
) {
	dWq = make([]*mat.Dense, attn.H)
	dWk = make([]*mat.Dense, attn.H)
	dWv = make([]*mat.Dense, attn.H)

	_, T := attn.X.Dims()

	// dY with respect to Y = Wout * OCat
	dWo = utils.ToDense(utils.Dot(dY, attn.OCat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.T(), dY))

	dXtotal := mat.NewDense(attn.DModel, T, nil)
	dTimeLogits = mat.NewDense(T, T, nil)

	row := 0
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		// slice out this head's portion of dOcat
		dO := dOcat.Slice(row, row+attn.DHead, 0, T).(*mat.Dense)
		row += attn.DHead

		// O = V * A^T
		dV := utils.ToDense(utils.Dot(dO, attn.A[h]))       // (dHead x T)
		dAT := utils.ToDense(utils.Dot(attn.V[h].T(), dO)) // (T x T)
		dA := dAT.T()

		// A = softmax_row(S + maskBias + timeLogits)
		dS := utils.SoftmaxBackward(dA, attn.A[h]) // (T x T)
		dTimeLogits.Add(dTimeLogits, dS)

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T()))) // (dHead x T)
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))     // (dHead x T)

		// Params
		dWq[h] = utils.ToDense(utils.Dot(dQ, attn.X.T()))
		dWk[h] = utils.ToDense(utils.Dot(dK, attn.X.T()))
		dWv[h] = utils.ToDense(utils.Dot(dV, attn.X.T()))

		// Inputs
		dXq := utils.ToDense(utils.Dot(attn.Wquery[h].T(), dQ))
		dXk := utils.ToDense(utils.Dot(attn.Wkey[h].T(), dK))
		dXv := utils.ToDense(utils.Dot(attn.Wvalue[h].T(), dV))
		dXh := utils.ToDense(utils.Add(utils.Add(dXq, dXk), dXv))
		dXtotal = utils.ToDense(utils.Add(dXtotal, dXh))
	}
	return dXtotal, dWq, dWk, dWv, dWo, dTimeLogits
}
