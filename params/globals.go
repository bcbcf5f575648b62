package params

// ModelConfig collects the hyperparameters of the concept BERT encoder.
type ModelConfig struct {
	DModel   int // model width
	NumHeads int // attention heads (dHead = DModel/NumHeads)
	Layers   int // encoder depth
	Dff      int // feed-forward hidden width
	SeqLen   int // padded sequence length

	// Deltas are clipped to [-HalfWindow, HalfWindow], so a learned
	// time profile has 2*HalfWindow+1 buckets.
	HalfWindow int

	DropoutRate float64 // sublayer dropout, active only while training

	Debug      bool
	DebugEvery int // log every N forward passes when Debug is set
}

// Reasonable defaults for small experiments on visit sequences.
var Config = ModelConfig{
	DModel:      128,
	NumHeads:    8,
	Layers:      5,
	Dff:         2148,
	SeqLen:      100,
	HalfWindow:  50,
	DropoutRate: 0.1,
	Debug:       false,
	DebugEvery:  1000,
}
