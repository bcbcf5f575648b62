package transformer

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// CloneForGradsOnly creates a shallow clone of the model where all weights
// are shared (read-only) but per-layer caches are private, so independent
// forward/BackwardGradsOnly passes can run concurrently over sharded
// sequences. The seed drives the clone's dropout stream.
func (m *Model) CloneForGradsOnly(seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))
	out := &Model{
		DModel:               m.DModel,
		VocabSize:            m.VocabSize,
		SeqLen:               m.SeqLen,
		Emb:                  m.Emb, // shared read-only
		Pos:                  m.Pos,
		TokenizerFingerprint: m.TokenizerFingerprint,
		TimeAttn: &TimeAttention{
			VocabSize:    m.TimeAttn.VocabSize,
			HalfWindow:   m.TimeAttn.HalfWindow,
			WindowSize:   m.TimeAttn.WindowSize,
			ReturnLogits: m.TimeAttn.ReturnLogits,
			Embedding:    m.TimeAttn.Embedding, // shared read-only
		},
		Enc: &Encoder{Layers: make([]*EncoderLayer, len(m.Enc.Layers))},
	}
	for i, src := range m.Enc.Layers {
		out.Enc.Layers[i] = &EncoderLayer{
			DModel:   src.DModel,
			NumHeads: src.NumHeads,
			Dff:      src.Dff,
			Rate:     src.Rate,
			Mha:      cloneAttentionForGrads(src.Mha),
			Ffn: &FeedForward{
				DModel:        src.Ffn.DModel,
				Dff:           src.Ffn.Dff,
				HiddenWeights: src.Ffn.HiddenWeights, // shared read-only
				HiddenBias:    src.Ffn.HiddenBias,
				OutputWeights: src.Ffn.OutputWeights,
				OutputBias:    src.Ffn.OutputBias,
			},
			Ln1: cloneLNForGrads(src.Ln1),
			Ln2: cloneLNForGrads(src.Ln2),
			rng: rng,
		}
	}
	return out
}

func cloneAttentionForGrads(src *MultiHeadAttention) *MultiHeadAttention {
	return &MultiHeadAttention{
		H:       src.H,
		DModel:  src.DModel,
		DHead:   src.DHead,
		Wquery:  src.Wquery, // shared read-only
		Wkey:    src.Wkey,
		Wvalue:  src.Wvalue,
		Woutput: src.Woutput,
		// private caches
		Q: make([]*mat.Dense, src.H),
		K: make([]*mat.Dense, src.H),
		V: make([]*mat.Dense, src.H),
		A: make([]*mat.Dense, src.H),
		// avoid head-level goroutines inside worker clones
		parallel: false,
	}
}

func cloneLNForGrads(src *LayerNorm) *LayerNorm {
	ln := NewLayerNorm(src.D, src.Eps)
	ln.Gamma = src.Gamma // shared read-only
	ln.Beta = src.Beta
	// caches remain private per clone
	return ln
}
