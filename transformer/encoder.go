package transformer

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"concept-bert/utils"
)

// EncoderLayer is one post-norm transformer block: self-attention with the
// fused time bias, residual add, layer norm, position-wise feed-forward,
// residual add, layer norm. Dropout on both sublayer outputs, training only.
type EncoderLayer struct {
	DModel, NumHeads, Dff int
	Rate                  float64

	Mha *MultiHeadAttention
	Ffn *FeedForward
	Ln1 *LayerNorm
	Ln2 *LayerNorm

	rng *rand.Rand

	// dropout masks cached from the last training forward so backward
	// replays them; nil after an inference forward
	dropMask1, dropMask2 *mat.Dense
}

func NewEncoderLayer(dModel, numHeads, dff int, rate float64, rng *rand.Rand) *EncoderLayer {
	return &EncoderLayer{
		DModel:   dModel,
		NumHeads: numHeads,
		Dff:      dff,
		Rate:     rate,
		Mha:      NewMultiHeadAttention(dModel, numHeads, rng),
		Ffn:      NewFeedForward(dModel, dff, rng),
		Ln1:      NewLayerNorm(dModel, 1e-6),
		Ln2:      NewLayerNorm(dModel, 1e-6),
		rng:      rng,
	}
}

// dropout returns x with inverted dropout applied and the mask used, or
// (x, nil) outside training.
func (l *EncoderLayer) dropout(x *mat.Dense, training bool) (*mat.Dense, *mat.Dense) {
	if !training || l.Rate <= 0 {
		return x, nil
	}
	r, c := x.Dims()
	keep := 1 - l.Rate
	mask := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if l.rng.Float64() < keep {
				mask.Set(i, j, 1/keep)
			}
		}
	}
	return utils.ToDense(utils.Multiply(x, mask)), mask
}

func (l *EncoderLayer) Forward(x *mat.Dense, maskBias, timeLogits *mat.Dense, training bool) (*mat.Dense, []*mat.Dense) {
	attnOut, attnWeights := l.Mha.Forward(x, maskBias, timeLogits)
	attnOut, l.dropMask1 = l.dropout(attnOut, training)
	out1 := l.Ln1.Forward(utils.ToDense(utils.Add(x, attnOut))) // (d x T)

	ffnOut := l.Ffn.Forward(out1)
	ffnOut, l.dropMask2 = l.dropout(ffnOut, training)
	out2 := l.Ln2.Forward(utils.ToDense(utils.Add(out1, ffnOut))) // (d x T)

	return out2, attnWeights
}

// EncoderLayerGrads carries one block's parameter gradients.
type EncoderLayerGrads struct {
	DWq, DWk, DWv []*mat.Dense
	DWo           *mat.Dense

	DHiddenW, DHiddenB *mat.Dense
	DOutputW, DOutputB *mat.Dense

	DLn1Gamma, DLn1Beta *mat.Dense
	DLn2Gamma, DLn2Beta *mat.Dense
}

// BackwardGradsOnly threads the gradient through both residual paths of the
// post-norm block. dTimeLogits accumulates the fused time-bias gradient from
// every head.
func (l *EncoderLayer) BackwardGradsOnly(dY *mat.Dense) (dX, dTimeLogits *mat.Dense, g EncoderLayerGrads) {
	// out2 = Ln2(out1 + drop(ffn(out1)))
	dR2, dG2, dB2 := l.Ln2.BackwardGradsOnly(dY)
	dFfn := dR2
	if l.dropMask2 != nil {
		dFfn = utils.ToDense(utils.Multiply(dR2, l.dropMask2))
	}
	dOut1FromFfn, dWhid, dbHid, dWout, dbOut := l.Ffn.BackwardGradsOnly(dFfn)
	dOut1 := utils.ToDense(utils.Add(dR2, dOut1FromFfn))

	// out1 = Ln1(x + drop(attn(x)))
	dR1, dG1, dB1 := l.Ln1.BackwardGradsOnly(dOut1)
	dAttn := dR1
	if l.dropMask1 != nil {
		dAttn = utils.ToDense(utils.Multiply(dR1, l.dropMask1))
	}
	dXFromAttn, dWq, dWk, dWv, dWo, dTL := l.Mha.BackwardGradsOnly(dAttn)
	dX = utils.ToDense(utils.Add(dR1, dXFromAttn))

	g = EncoderLayerGrads{
		DWq: dWq, DWk: dWk, DWv: dWv, DWo: dWo,
		DHiddenW: dWhid, DHiddenB: dbHid,
		DOutputW: dWout, DOutputB: dbOut,
		DLn1Gamma: dG1, DLn1Beta: dB1,
		DLn2Gamma: dG2, DLn2Beta: dB2,
	}
	return dX, dTL, g
}

// Encoder stacks independent layers; no weights are shared across layers.
type Encoder struct {
	Layers []*EncoderLayer
}

func NewEncoder(numLayers, dModel, numHeads, dff int, rate float64, rng *rand.Rand) *Encoder {
	enc := &Encoder{Layers: make([]*EncoderLayer, numLayers)}
	for i := range enc.Layers {
		enc.Layers[i] = NewEncoderLayer(dModel, numHeads, dff, rate, rng)
	}
	return enc
}

// Forward feeds each layer's output into the next and collects the per-layer
// attention weights for introspection.
func (e *Encoder) Forward(x *mat.Dense, maskBias, timeLogits *mat.Dense, training bool) (*mat.Dense, [][]*mat.Dense) {
	attnWeights := make([][]*mat.Dense, len(e.Layers))
	for i, l := range e.Layers {
		x, attnWeights[i] = l.Forward(x, maskBias, timeLogits, training)
	}
	return x, attnWeights
}

// BackwardGradsOnly walks the stack in reverse. Every layer received the
// same time logits, so their gradients sum.
func (e *Encoder) BackwardGradsOnly(dY *mat.Dense) (dX, dTimeLogits *mat.Dense, grads []EncoderLayerGrads) {
	grads = make([]EncoderLayerGrads, len(e.Layers))
	for i := len(e.Layers) - 1; i >= 0; i-- {
		var dTL *mat.Dense
		dY, dTL, grads[i] = e.Layers[i].BackwardGradsOnly(dY)
		if dTimeLogits == nil {
			dTimeLogits = dTL
		} else {
			dTimeLogits.Add(dTimeLogits, dTL)
		}
	}
	return dY, dTimeLogits, grads
}
