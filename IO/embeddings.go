package IO

import (
	"encoding/json"
	"os"

	"concept-bert/tokenizer"
	"concept-bert/transformer"
)

// ExportConceptEmbeddings writes the trained concept embedding table as a
// token -> vector JSON map covering every id the tokenizer assigned,
// special tokens included. Downstream consumers index by the original
// concept code, so ids never leave this package.
func ExportConceptEmbeddings(m *transformer.Model, tok *tokenizer.ConceptTokenizer, path string) error {
	ids := make([]int, tok.VocabSize())
	for i := range ids {
		ids[i] = tok.FirstTokenID() + i
	}
	tokens := tok.Decode([][]int{ids})[0]

	table := make(map[string][]float64, len(ids))
	for i, id := range ids {
		table[tokens[i]] = m.ConceptEmbedding(id)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(table)
}
