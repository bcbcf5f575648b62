package transformer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Weight-only gob snapshot. Every layer is encoded through these concrete
// structs, so (de)serialization needs no name-to-layer registry.

type headData struct {
	Wq, Wk, Wv []float64
}

type layerData struct {
	Heads []headData

	Wo []float64

	HiddenW, HiddenB []float64
	OutputW, OutputB []float64

	Ln1Gamma, Ln1Beta []float64
	Ln2Gamma, Ln2Beta []float64
}

type modelData struct {
	DModel, VocabSize, SeqLen int
	NumHeads, Dff, HalfWindow int

	Fingerprint uint64

	Emb, Pos, TimeEmb []float64

	Layers []layerData
}

func flat(m *mat.Dense) []float64 {
	raw := mat.DenseCopyOf(m).RawMatrix()
	return append([]float64(nil), raw.Data...)
}

// SaveModel persists the model weights (no optimizer state) to path.
func SaveModel(m *Model, path string) error {
	data := modelData{
		DModel:      m.DModel,
		VocabSize:   m.VocabSize,
		SeqLen:      m.SeqLen,
		HalfWindow:  m.TimeAttn.HalfWindow,
		Fingerprint: m.TokenizerFingerprint,
		Emb:         flat(m.Emb),
		Pos:         flat(m.Pos),
		TimeEmb:     flat(m.TimeAttn.Embedding),
		Layers:      make([]layerData, len(m.Enc.Layers)),
	}
	if len(m.Enc.Layers) > 0 {
		data.NumHeads = m.Enc.Layers[0].NumHeads
		data.Dff = m.Enc.Layers[0].Dff
	}
	for i, l := range m.Enc.Layers {
		ld := layerData{
			Heads:    make([]headData, l.Mha.H),
			Wo:       flat(l.Mha.Woutput),
			HiddenW:  flat(l.Ffn.HiddenWeights),
			HiddenB:  flat(l.Ffn.HiddenBias),
			OutputW:  flat(l.Ffn.OutputWeights),
			OutputB:  flat(l.Ffn.OutputBias),
			Ln1Gamma: flat(l.Ln1.Gamma),
			Ln1Beta:  flat(l.Ln1.Beta),
			Ln2Gamma: flat(l.Ln2.Gamma),
			Ln2Beta:  flat(l.Ln2.Beta),
		}
		for h := 0; h < l.Mha.H; h++ {
			ld.Heads[h] = headData{
				Wq: flat(l.Mha.Wquery[h]),
				Wk: flat(l.Mha.Wkey[h]),
				Wv: flat(l.Mha.Wvalue[h]),
			}
		}
		data.Layers[i] = ld
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// LoadModel restores weights saved by SaveModel into a model of matching
// shape. A stored tokenizer fingerprint must agree with the model's when
// both are set.
func LoadModel(m *Model, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var data modelData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return err
	}

	if data.DModel != m.DModel || data.VocabSize != m.VocabSize || data.SeqLen != m.SeqLen {
		return fmt.Errorf("load model: shape mismatch (have %d/%d/%d, file %d/%d/%d)",
			m.DModel, m.VocabSize, m.SeqLen, data.DModel, data.VocabSize, data.SeqLen)
	}
	if len(data.Layers) != len(m.Enc.Layers) {
		return fmt.Errorf("load model: layer mismatch (have %d, file %d)",
			len(m.Enc.Layers), len(data.Layers))
	}
	if len(m.Enc.Layers) > 0 {
		if data.NumHeads != m.Enc.Layers[0].NumHeads {
			return fmt.Errorf("load model: head count mismatch (have %d, file %d)",
				m.Enc.Layers[0].NumHeads, data.NumHeads)
		}
		if data.Dff != m.Enc.Layers[0].Dff {
			return fmt.Errorf("load model: feed-forward width mismatch (have %d, file %d)",
				m.Enc.Layers[0].Dff, data.Dff)
		}
	}
	if data.HalfWindow != m.TimeAttn.HalfWindow {
		return fmt.Errorf("load model: time window mismatch (have %d, file %d)",
			m.TimeAttn.HalfWindow, data.HalfWindow)
	}
	if data.Fingerprint != 0 && m.TokenizerFingerprint != 0 &&
		data.Fingerprint != m.TokenizerFingerprint {
		return fmt.Errorf("load model: tokenizer fingerprint mismatch")
	}

	m.Emb = mat.NewDense(m.DModel, m.VocabSize+1, data.Emb)
	m.Pos = mat.NewDense(m.DModel, m.SeqLen, data.Pos)
	m.TimeAttn.Embedding = mat.NewDense(m.VocabSize+1, m.TimeAttn.WindowSize, data.TimeEmb)

	for i, l := range m.Enc.Layers {
		ld := data.Layers[i]
		if len(ld.Heads) != l.Mha.H {
			return fmt.Errorf("load model: head count mismatch at layer %d (have %d, file %d)",
				i, l.Mha.H, len(ld.Heads))
		}
		dHead, dModel := l.Mha.DHead, l.Mha.DModel
		for h := 0; h < l.Mha.H; h++ {
			l.Mha.Wquery[h] = mat.NewDense(dHead, dModel, ld.Heads[h].Wq)
			l.Mha.Wkey[h] = mat.NewDense(dHead, dModel, ld.Heads[h].Wk)
			l.Mha.Wvalue[h] = mat.NewDense(dHead, dModel, ld.Heads[h].Wv)
		}
		l.Mha.Woutput = mat.NewDense(dModel, dModel, ld.Wo)
		l.Ffn.HiddenWeights = mat.NewDense(l.Ffn.Dff, dModel, ld.HiddenW)
		l.Ffn.HiddenBias = mat.NewDense(l.Ffn.Dff, 1, ld.HiddenB)
		l.Ffn.OutputWeights = mat.NewDense(dModel, l.Ffn.Dff, ld.OutputW)
		l.Ffn.OutputBias = mat.NewDense(dModel, 1, ld.OutputB)
		l.Ln1.Gamma = mat.NewDense(dModel, 1, ld.Ln1Gamma)
		l.Ln1.Beta = mat.NewDense(dModel, 1, ld.Ln1Beta)
		l.Ln2.Gamma = mat.NewDense(dModel, 1, ld.Ln2Gamma)
		l.Ln2.Beta = mat.NewDense(dModel, 1, ld.Ln2Beta)
	}
	if data.Fingerprint != 0 {
		m.TokenizerFingerprint = data.Fingerprint
	}
	return nil
}
