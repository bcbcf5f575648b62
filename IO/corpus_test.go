package IO

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"concept-bert/params"
	"concept-bert/tokenizer"
	"concept-bert/transformer"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConceptSequencesWithTimeStamps(t *testing.T) {
	path := writeFile(t, "corpus.tsv",
		"c1 c2 c3\t0 14 14\n"+
			"\n"+
			"c4 c1\t100 103\n")

	seqs, stamps, err := LoadConceptSequences(path)
	if err != nil {
		t.Fatalf("LoadConceptSequences: %v", err)
	}
	wantSeqs := [][]string{{"c1", "c2", "c3"}, {"c4", "c1"}}
	if !reflect.DeepEqual(seqs, wantSeqs) {
		t.Fatalf("sequences = %v, want %v", seqs, wantSeqs)
	}
	wantStamps := [][]int{{0, 14, 14}, {100, 103}}
	if !reflect.DeepEqual(stamps, wantStamps) {
		t.Fatalf("time stamps = %v, want %v", stamps, wantStamps)
	}
}

func TestLoadConceptSequencesWithoutTimeStamps(t *testing.T) {
	path := writeFile(t, "corpus.txt", "c1 c2\nc3\n")
	seqs, stamps, err := LoadConceptSequences(path)
	if err != nil {
		t.Fatalf("LoadConceptSequences: %v", err)
	}
	if len(seqs) != 2 || stamps != nil {
		t.Fatalf("got %d sequences, stamps %v; want 2 sequences and nil stamps", len(seqs), stamps)
	}
}

func TestLoadConceptSequencesRejectsRaggedStamps(t *testing.T) {
	path := writeFile(t, "bad.tsv", "c1 c2 c3\t0 14\n")
	if _, _, err := LoadConceptSequences(path); err == nil {
		t.Fatal("expected an error for a stamp/token count mismatch")
	}
}

func TestLoadConceptSequencesRejectsPartialStamps(t *testing.T) {
	path := writeFile(t, "partial.tsv", "c1 c2\t0 1\nc3 c4\n")
	if _, _, err := LoadConceptSequences(path); err == nil {
		t.Fatal("expected an error when only some lines carry time stamps")
	}
}

func TestPadding(t *testing.T) {
	padded := PadSequences([][]int{{2, 3}, {4, 5, 6}}, 4, 99)
	want := [][]int{{2, 3, 99, 99}, {4, 5, 6, 99}}
	if !reflect.DeepEqual(padded, want) {
		t.Fatalf("PadSequences = %v, want %v", padded, want)
	}

	stamps := PadTimeStamps([][]int{{0, 7}, {}}, 4)
	wantStamps := [][]int{{0, 7, 7, 7}, {0, 0, 0, 0}}
	if !reflect.DeepEqual(stamps, wantStamps) {
		t.Fatalf("PadTimeStamps = %v, want %v", stamps, wantStamps)
	}

	masks := PaddingMasks(padded, 99)
	wantMasks := [][]int{{0, 0, 1, 1}, {0, 0, 0, 1}}
	if !reflect.DeepEqual(masks, wantMasks) {
		t.Fatalf("PaddingMasks = %v, want %v", masks, wantMasks)
	}
}

func TestExportConceptEmbeddings(t *testing.T) {
	tok := tokenizer.NewConceptTokenizer(tokenizer.BERTSpecialTokens, "UNK")
	tok.FitOnConceptSequences([][]string{{"c1", "c2"}})

	cfg := params.ModelConfig{
		DModel: 8, NumHeads: 2, Layers: 1, Dff: 16,
		SeqLen: 4, HalfWindow: 2, DebugEvery: 1000,
	}
	m := transformer.NewModel(cfg, tok.VocabSize(), 1)

	path := filepath.Join(t.TempDir(), "embeddings.json")
	if err := ExportConceptEmbeddings(m, tok, path); err != nil {
		t.Fatalf("ExportConceptEmbeddings: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var table map[string][]float64
	if err := json.Unmarshal(raw, &table); err != nil {
		t.Fatalf("exported file is not a JSON map: %v", err)
	}
	if len(table) != tok.VocabSize() {
		t.Fatalf("exported %d entries, want %d", len(table), tok.VocabSize())
	}
	for _, name := range []string{"UNK", "c1", "c2", "[MASK]", "[UNUSED]"} {
		vec, ok := table[name]
		if !ok {
			t.Fatalf("missing embedding for %q", name)
		}
		if len(vec) != 8 {
			t.Fatalf("embedding for %q has length %d, want 8", name, len(vec))
		}
	}
}
