package transformer

import (
	"gonum.org/v1/gonum/mat"

	"concept-bert/utils"
)

// maskPenalty is added at padding positions so they vanish under softmax.
const maskPenalty = -1e9

// TimeAttention scores every (target, context) position pair from a learned
// per-concept time-decay profile. Each concept id owns a vector of
// 2*HalfWindow+1 un-normalized weights, one per clipped time-delta bucket,
// bucket HalfWindow centered at delta = 0. Profiles start at zero.
//
// The same component serves cross- and self-attention: SelfForward feeds one
// concept/time stream as both target and context.
type TimeAttention struct {
	VocabSize  int
	HalfWindow int
	WindowSize int

	// ReturnLogits selects raw additive logits (the mode the encoder fuses
	// into its attention scores) over a row softmax.
	ReturnLogits bool

	// Embedding is (VocabSize+1 x WindowSize); row 0 is reserved because
	// tokenizer ids start at 1.
	Embedding *mat.Dense

	// cache for backprop
	lastTargets []int
	lastBuckets [][]int
	lastCounts  *mat.Dense
}

// NewTimeAttention keeps the original window convention: the profile always
// has an odd number of buckets, 2*(timeWindowSize/2)+1.
func NewTimeAttention(vocabSize, timeWindowSize int, returnLogits bool) *TimeAttention {
	half := timeWindowSize / 2
	window := 2*half + 1
	return &TimeAttention{
		VocabSize:    vocabSize,
		HalfWindow:   half,
		WindowSize:   window,
		ReturnLogits: returnLogits,
		Embedding:    mat.NewDense(vocabSize+1, window, nil),
	}
}

// Forward returns a (targetLen x contextLen) matrix of time-attention
// scores. timeMask marks invalid context positions with 1; nil means all
// valid. The per-bucket profile weight is normalized by the number of
// context positions that fell into that bucket, so repeated deltas are not
// double-counted; an empty bucket contributes 0 rather than NaN.
func (ta *TimeAttention) Forward(targetConcepts, targetTimeStamps, contextTimeStamps, timeMask []int) *mat.Dense {
	tn := len(targetConcepts)
	if len(targetTimeStamps) != tn {
		panic("time attention: target stream length mismatch")
	}
	cn := len(contextTimeStamps)
	if timeMask != nil && len(timeMask) != cn {
		panic("time attention: mask length mismatch")
	}

	buckets := make([][]int, tn)
	counts := mat.NewDense(tn, ta.WindowSize, nil)
	for t := 0; t < tn; t++ {
		row := make([]int, cn)
		for c := 0; c < cn; c++ {
			delta := contextTimeStamps[c] - targetTimeStamps[t]
			if delta < -ta.HalfWindow {
				delta = -ta.HalfWindow
			}
			if delta > ta.HalfWindow {
				delta = ta.HalfWindow
			}
			b := delta + ta.HalfWindow
			row[c] = b
			counts.Set(t, b, counts.At(t, b)+1)
		}
		buckets[t] = row
	}

	logits := mat.NewDense(tn, cn, nil)
	for t := 0; t < tn; t++ {
		id := targetConcepts[t]
		for c := 0; c < cn; c++ {
			b := buckets[t][c]
			v := 0.0
			if cnt := counts.At(t, b); cnt != 0 {
				v = ta.Embedding.At(id, b) / cnt
			}
			if timeMask != nil && timeMask[c] != 0 {
				v += maskPenalty
			}
			logits.Set(t, c, v)
		}
	}

	ta.lastTargets = targetConcepts
	ta.lastBuckets = buckets
	ta.lastCounts = counts

	if ta.ReturnLogits {
		return logits
	}
	return utils.RowSoftmax(logits)
}

// SelfForward is the self-attention case: one stream serves as both target
// and context.
func (ta *TimeAttention) SelfForward(conceptIDs, timeStamps, mask []int) *mat.Dense {
	return ta.Forward(conceptIDs, timeStamps, timeStamps, mask)
}

// BackwardGrads maps a gradient on the logits (logits mode) back onto the
// profile embedding. The forward pass is linear in the embedding, so each
// (target, context) pair contributes dLogit/count to its bucket.
func (ta *TimeAttention) BackwardGrads(dLogits *mat.Dense) *mat.Dense {
	g := mat.NewDense(ta.VocabSize+1, ta.WindowSize, nil)
	for t, row := range ta.lastBuckets {
		id := ta.lastTargets[t]
		for c, b := range row {
			cnt := ta.lastCounts.At(t, b)
			if cnt == 0 {
				continue
			}
			g.Set(id, b, g.At(id, b)+dLogits.At(t, c)/cnt)
		}
	}
	return g
}
