package transformer

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"concept-bert/params"
	"concept-bert/utils"
)

// Model is the assembled concept BERT graph: shared concept embedding,
// learned positional embedding, time-attention logits computed once per
// sequence, the encoder stack, and a tied output projection over the
// vocabulary.
//
// Columns are positions throughout; the batch dimension is the caller's
// loop. One sequence at a time, not safe for concurrent use — see
// CloneForGradsOnly.
type Model struct {
	DModel    int
	VocabSize int
	SeqLen    int

	// Emb (dModel x VocabSize+1) is referenced by both the input lookup and
	// the tied output projection; column 0 is reserved since ids start at 1.
	Emb *mat.Dense
	Pos *mat.Dense // (dModel x SeqLen)

	TimeAttn *TimeAttention
	Enc      *Encoder

	// TokenizerFingerprint ties a checkpoint to the vocabulary it was
	// trained with; zero means unset.
	TokenizerFingerprint uint64

	// cache for backprop
	lastConcepts []int
	lastY        *mat.Dense
}

func NewModel(cfg params.ModelConfig, vocabSize int, seed int64) *Model {
	if cfg.NumHeads < 1 || cfg.DModel%cfg.NumHeads != 0 {
		panic("model: dModel must be divisible by numHeads")
	}
	// one seeded stream drives both weight init and dropout, so two models
	// built from the same seed are identical
	rng := rand.New(rand.NewSource(seed))
	return &Model{
		DModel:    cfg.DModel,
		VocabSize: vocabSize,
		SeqLen:    cfg.SeqLen,
		Emb: mat.NewDense(cfg.DModel, vocabSize+1,
			utils.RandomArray(cfg.DModel*(vocabSize+1), float64(cfg.DModel), rng)),
		Pos: mat.NewDense(cfg.DModel, cfg.SeqLen,
			utils.RandomArray(cfg.DModel*cfg.SeqLen, float64(cfg.DModel), rng)),
		TimeAttn: NewTimeAttention(vocabSize, 2*cfg.HalfWindow+1, true),
		Enc:      NewEncoder(cfg.Layers, cfg.DModel, cfg.NumHeads, cfg.Dff, cfg.DropoutRate, rng),
	}
}

// KeyPaddingBias expands a per-position validity mask (1 = padding) into the
// (T x T) additive bias applied to every query row. Returns nil for a nil
// mask.
func KeyPaddingBias(mask []int) *mat.Dense {
	if mask == nil {
		return nil
	}
	T := len(mask)
	out := mat.NewDense(T, T, nil)
	for q := 0; q < T; q++ {
		for k := 0; k < T; k++ {
			if mask[k] != 0 {
				out.Set(q, k, maskPenalty)
			}
		}
	}
	return out
}

func (m *Model) checkInputs(conceptIDs, timeStamps, mask []int) {
	T := len(conceptIDs)
	if T == 0 || T > m.SeqLen {
		panic(fmt.Sprintf("model: sequence length %d outside (0, %d]", T, m.SeqLen))
	}
	if len(timeStamps) != T {
		panic("model: time stamp length mismatch")
	}
	if mask != nil && len(mask) != T {
		panic("model: mask length mismatch")
	}
	for _, id := range conceptIDs {
		if id < 0 || id > m.VocabSize {
			panic(fmt.Sprintf("model: concept id %d outside vocabulary", id))
		}
	}
}

// ForwardLogits embeds the sequence, adds positional columns, computes the
// time-attention logits once, runs the encoder, and applies the tied
// unembedding. Returns (VocabSize+1 x T) logits plus the per-layer attention
// weights.
func (m *Model) ForwardLogits(conceptIDs, timeStamps, mask []int, training bool) (*mat.Dense, [][]*mat.Dense) {
	m.checkInputs(conceptIDs, timeStamps, mask)
	T := len(conceptIDs)

	X := mat.NewDense(m.DModel, T, nil)
	for t, id := range conceptIDs {
		for i := 0; i < m.DModel; i++ {
			X.Set(i, t, m.Emb.At(i, id)+m.Pos.At(i, t))
		}
	}

	timeLogits := m.TimeAttn.SelfForward(conceptIDs, timeStamps, mask)
	maskBias := KeyPaddingBias(mask)

	Y, attnWeights := m.Enc.Forward(X, maskBias, timeLogits, training)

	logits := utils.ToDense(utils.Dot(m.Emb.T(), Y)) // (VocabSize+1 x T)

	m.lastConcepts = conceptIDs
	m.lastY = Y
	return logits, attnWeights
}

// Forward returns a probability distribution over the vocabulary for every
// position.
func (m *Model) Forward(conceptIDs, timeStamps, mask []int, training bool) (*mat.Dense, [][]*mat.Dense) {
	logits, attnWeights := m.ForwardLogits(conceptIDs, timeStamps, mask, training)
	return utils.ColumnSoftmax(logits), attnWeights
}

// Grads holds every parameter gradient of one backward pass. Emb folds the
// input-lookup and tied-output paths into the single shared matrix.
type Grads struct {
	Emb     *mat.Dense
	Pos     *mat.Dense
	TimeEmb *mat.Dense
	Layers  []EncoderLayerGrads
}

// BackwardGradsOnly backpropagates a gradient on the logits of the last
// ForwardLogits call. No weights are touched; applying the updates is the
// trainer's job.
func (m *Model) BackwardGradsOnly(dLogits *mat.Dense) *Grads {
	if m.lastY == nil {
		panic("model: backward before forward")
	}
	Y := m.lastY

	// logits = Emb^T Y: tied-output path
	dEmb := utils.ToDense(utils.Dot(Y, dLogits.T())) // (dModel x VocabSize+1)
	dY := utils.ToDense(utils.Dot(m.Emb, dLogits))   // (dModel x T)

	dX, dTimeLogits, layerGrads := m.Enc.BackwardGradsOnly(dY)

	// input-lookup path: scatter columns of dX back onto the shared matrix
	_, T := dX.Dims()
	for t := 0; t < T; t++ {
		id := m.lastConcepts[t]
		for i := 0; i < m.DModel; i++ {
			dEmb.Set(i, id, dEmb.At(i, id)+dX.At(i, t))
		}
	}

	dPos := mat.NewDense(m.DModel, m.SeqLen, nil)
	for t := 0; t < T; t++ {
		for i := 0; i < m.DModel; i++ {
			dPos.Set(i, t, dX.At(i, t))
		}
	}

	return &Grads{
		Emb:     dEmb,
		Pos:     dPos,
		TimeEmb: m.TimeAttn.BackwardGrads(dTimeLogits),
		Layers:  layerGrads,
	}
}

// ConceptEmbedding copies the embedding column for one concept id.
func (m *Model) ConceptEmbedding(id int) []float64 {
	if id < 0 || id > m.VocabSize {
		panic(fmt.Sprintf("model: concept id %d outside vocabulary", id))
	}
	out := make([]float64, m.DModel)
	for i := 0; i < m.DModel; i++ {
		out[i] = m.Emb.At(i, id)
	}
	return out
}
