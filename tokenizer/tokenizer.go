package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// BERTSpecialTokens are fit into the vocabulary after the corpus so they
// occupy the trailing ids. The sampler receives the normal-token id range
// explicitly and never substitutes a special id.
var BERTSpecialTokens = []string{"[MASK]", "[UNUSED]"}

// ConceptTokenizer maps concept code strings to dense integer ids. Ids start
// at 1: the out-of-vocabulary sentinel takes id 1, then tokens in order of
// first occurrence. Fit once over the training corpus; immutable afterwards
// by convention.
type ConceptTokenizer struct {
	oovToken  string
	special   []string
	tokenToID map[string]int
	idToToken []string // index i holds the token with id i+1
}

func NewConceptTokenizer(specialTokens []string, oovToken string) *ConceptTokenizer {
	t := &ConceptTokenizer{
		oovToken:  oovToken,
		special:   specialTokens,
		tokenToID: make(map[string]int),
	}
	t.add(oovToken)
	return t
}

func (t *ConceptTokenizer) add(tok string) int {
	if id, ok := t.tokenToID[tok]; ok {
		return id
	}
	t.idToToken = append(t.idToToken, tok)
	id := len(t.idToToken)
	t.tokenToID[tok] = id
	return id
}

// FitOnConceptSequences extends the vocabulary with every unseen token, then
// re-fits the special tokens so they sit at the end of the id range.
func (t *ConceptTokenizer) FitOnConceptSequences(sequences [][]string) {
	for _, seq := range sequences {
		for _, tok := range seq {
			t.add(tok)
		}
	}
	for _, tok := range t.special {
		t.add(tok)
	}
}

// Encode maps token strings to ids; unknown tokens map to the OOV sentinel.
func (t *ConceptTokenizer) Encode(sequences [][]string) [][]int {
	out := make([][]int, len(sequences))
	for i, seq := range sequences {
		ids := make([]int, len(seq))
		for j, tok := range seq {
			if id, ok := t.tokenToID[tok]; ok {
				ids[j] = id
			} else {
				ids[j] = t.tokenToID[t.oovToken]
			}
		}
		out[i] = ids
	}
	return out
}

// Decode is the exact inverse of Encode for in-vocabulary ids; unknown ids
// decode to the OOV token.
func (t *ConceptTokenizer) Decode(sequences [][]int) [][]string {
	out := make([][]string, len(sequences))
	for i, seq := range sequences {
		toks := make([]string, len(seq))
		for j, id := range seq {
			if id >= 1 && id <= len(t.idToToken) {
				toks[j] = t.idToToken[id-1]
			} else {
				toks[j] = t.oovToken
			}
		}
		out[i] = toks
	}
	return out
}

// ID returns the id for a token, or the OOV id when absent.
func (t *ConceptTokenizer) ID(tok string) int {
	if id, ok := t.tokenToID[tok]; ok {
		return id
	}
	return t.tokenToID[t.oovToken]
}

func (t *ConceptTokenizer) FirstTokenID() int { return 1 }

func (t *ConceptTokenizer) LastTokenID() int { return len(t.idToToken) }

func (t *ConceptTokenizer) VocabSize() int { return len(t.idToToken) }

// Fingerprint hashes the id-ordered vocabulary so checkpoints can detect a
// mismatched tokenizer on load.
func (t *ConceptTokenizer) Fingerprint() uint64 {
	h := xxhash.New()
	for i, tok := range t.idToToken {
		_, _ = h.WriteString(strconv.Itoa(i+1) + ":" + tok + "\n")
	}
	return h.Sum64()
}

type tokenizerData struct {
	OOVToken string   `json:"oov_token"`
	Special  []string `json:"special_tokens"`
	Tokens   []string `json:"tokens"` // ordered by id, starting at 1
}

// Save writes the vocabulary as JSON.
func (t *ConceptTokenizer) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenizerData{
		OOVToken: t.oovToken,
		Special:  t.special,
		Tokens:   t.idToToken,
	})
}

// Load reads a vocabulary written by Save.
func Load(path string) (*ConceptTokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data tokenizerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if len(data.Tokens) == 0 || data.Tokens[0] != data.OOVToken {
		return nil, fmt.Errorf("tokenizer file %s: OOV token must hold id 1", path)
	}
	t := &ConceptTokenizer{
		oovToken:  data.OOVToken,
		special:   data.Special,
		tokenToID: make(map[string]int, len(data.Tokens)),
		idToToken: data.Tokens,
	}
	for i, tok := range data.Tokens {
		t.tokenToID[tok] = i + 1
	}
	return t, nil
}
