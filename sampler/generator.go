package sampler

import (
	"fmt"
	"math/rand"
)

// BERT masking policy. Of every non-padding position, SelectProb are drawn
// into the masked-LM objective; conditioned on selection the token is
// replaced by [MASK], swapped for a random in-vocabulary id, or kept as is.
const (
	SelectProb = 0.15
	MaskFrac   = 0.8
	RandomFrac = 0.1
)

// Sample is one masked training example. OutputMask[i] = 1 iff position i
// was selected; MaskedSequence equals Sequence everywhere else.
type Sample struct {
	OutputMask     []int
	Sequence       []int
	MaskedSequence []int
}

// Batch is one training step worth of samples. CombinedLabels stacks the
// original token id (channel 0) and the output mask (channel 1) so the loss
// can be restricted to selected positions. HasNext is the next-segment
// placeholder promised by the original contract; no segment pairing is
// computed from the data, so it is constant zero.
type Batch struct {
	MaskedSequences [][]int
	TimeStamps      [][]int // nil when the generator has no time stamps
	CombinedLabels  [][][2]int
	HasNext         []float64
}

// BatchGeneratorVisitBased produces an unbounded cyclic stream of masked-LM
// batches over visit sequences. The cursor treats the corpus as circular and
// never reshuffles. Not safe for concurrent use; shard sequences across
// independent generators for parallel loading.
type BatchGeneratorVisitBased struct {
	sequences  [][]int
	timeStamps [][]int

	maskTokenID   int
	unusedTokenID int
	maxSeqLen     int
	batchSize     int
	firstTokenID  int
	lastTokenID   int

	rng   *rand.Rand
	index int
}

// NewBatchGeneratorVisitBased validates shapes and the id convention up
// front; malformed input here is a caller contract violation, so it panics
// rather than limping into undefined sampling behavior. timeStamps may be
// nil when the time-attention path is unused. The seed makes masking
// decisions reproducible.
func NewBatchGeneratorVisitBased(
	sequences [][]int,
	timeStamps [][]int,
	maskTokenID, unusedTokenID int,
	maxSequenceLength, batchSize int,
	firstNormalTokenID, lastNormalTokenID int,
	seed int64,
) *BatchGeneratorVisitBased {
	if len(sequences) == 0 {
		panic("batch generator: empty corpus")
	}
	if batchSize < 1 {
		panic("batch generator: batch size must be >= 1")
	}
	if firstNormalTokenID > lastNormalTokenID {
		panic("batch generator: first token id exceeds last token id")
	}
	if maskTokenID >= firstNormalTokenID && maskTokenID <= lastNormalTokenID {
		panic("batch generator: mask token id inside the substitutable range")
	}
	if unusedTokenID >= firstNormalTokenID && unusedTokenID <= lastNormalTokenID {
		panic("batch generator: unused token id inside the substitutable range")
	}
	if timeStamps != nil && len(timeStamps) != len(sequences) {
		panic("batch generator: time stamp corpus length mismatch")
	}
	for i, seq := range sequences {
		if len(seq) != maxSequenceLength {
			panic(fmt.Sprintf("batch generator: sequence %d has length %d, want %d",
				i, len(seq), maxSequenceLength))
		}
		if timeStamps != nil && len(timeStamps[i]) != maxSequenceLength {
			panic(fmt.Sprintf("batch generator: time stamps %d have length %d, want %d",
				i, len(timeStamps[i]), maxSequenceLength))
		}
	}
	return &BatchGeneratorVisitBased{
		sequences:     sequences,
		timeStamps:    timeStamps,
		maskTokenID:   maskTokenID,
		unusedTokenID: unusedTokenID,
		maxSeqLen:     maxSequenceLength,
		batchSize:     batchSize,
		firstTokenID:  firstNormalTokenID,
		lastTokenID:   lastNormalTokenID,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// StepsPerEpoch is a crude guide to how many Next calls cover the corpus
// once; the generator itself never terminates.
func (g *BatchGeneratorVisitBased) StepsPerEpoch() int {
	return len(g.sequences) / g.batchSize
}

// Next assembles the next batch of exactly batchSize consecutive samples,
// wrapping around the corpus as needed.
func (g *BatchGeneratorVisitBased) Next() *Batch {
	b := &Batch{
		MaskedSequences: make([][]int, g.batchSize),
		CombinedLabels:  make([][][2]int, g.batchSize),
		HasNext:         make([]float64, g.batchSize),
	}
	if g.timeStamps != nil {
		b.TimeStamps = make([][]int, g.batchSize)
	}
	for n := 0; n < g.batchSize; n++ {
		if g.index >= len(g.sequences) {
			g.index = 0
		}
		s := g.generateSample(g.sequences[g.index])
		if g.timeStamps != nil {
			b.TimeStamps[n] = g.timeStamps[g.index]
		}
		g.index++

		b.MaskedSequences[n] = s.MaskedSequence
		labels := make([][2]int, g.maxSeqLen)
		for i := range labels {
			labels[i] = [2]int{s.Sequence[i], s.OutputMask[i]}
		}
		b.CombinedLabels[n] = labels
	}
	return b
}

// generateSample applies the masking policy to one sequence. Scanning stops
// at the first unused (padding) token, so positions at or beyond padding are
// never selected.
func (g *BatchGeneratorVisitBased) generateSample(sequence []int) Sample {
	masked := make([]int, len(sequence))
	copy(masked, sequence)
	outputMask := make([]int, len(sequence))

	for pos := 0; pos < len(sequence); pos++ {
		if sequence[pos] == g.unusedTokenID {
			break
		}
		if g.rng.Float64() < SelectProb {
			dice := g.rng.Float64()
			if dice < MaskFrac {
				masked[pos] = g.maskTokenID
			} else if dice < MaskFrac+RandomFrac {
				masked[pos] = g.firstTokenID + g.rng.Intn(g.lastTokenID-g.firstTokenID+1)
			}
			// else: leave the token as is
			outputMask[pos] = 1
		}
	}
	return Sample{OutputMask: outputMask, Sequence: sequence, MaskedSequence: masked}
}
