package match

import "testing"

func TestNormalizeDescriptionStripsDiacritics(t *testing.T) {
	toks := normalizeDescription("Transferência PIX - João 123/45")
	want := []string{"transferencia", "pix", "joao", "123", "45"}
	if len(toks) != len(want) {
		t.Fatalf("got %v", toks)
	}
	for i, tok := range toks {
		if tok != want[i] {
			t.Fatalf("token %d: got %q want %q", i, tok, want[i])
		}
	}
}

func TestDescriptionSimilarityWeighsNumbers(t *testing.T) {
	base := "PAG BOLETO 778812"
	withNumber := descriptionSimilarity(base, "BOLETO 778812 SANTANDER")
	withoutNumber := descriptionSimilarity(base, "BOLETO PAG SANTANDER")
	if withNumber <= withoutNumber {
		t.Fatalf("shared document number must outweigh shared words: %f <= %f", withNumber, withoutNumber)
	}
}

func TestDescriptionSimilarityBounds(t *testing.T) {
	if s := descriptionSimilarity("", "anything"); s != 0 {
		t.Fatalf("empty description must score zero, got %f", s)
	}
	if s := descriptionSimilarity("TED ACME 42", "ted acme 42"); s != 1 {
		t.Fatalf("identical normalized descriptions must score one, got %f", s)
	}
	if s := descriptionSimilarity("aluguel escritorio", "tarifa ted 99"); s != 0 {
		t.Fatalf("disjoint descriptions must score zero, got %f", s)
	}
}
