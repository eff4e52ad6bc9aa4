package dispatch

import "testing"

func TestJaccardSimilarityIdenticalSets(t *testing.T) {
	if got := jaccardSimilarity([]string{"a", "b"}, []string{"b", "a"}); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestJaccardSimilarityDisjointSets(t *testing.T) {
	if got := jaccardSimilarity([]string{"a"}, []string{"b"}); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestJaccardSimilarityPartialOverlap(t *testing.T) {
	got := jaccardSimilarity([]string{"a", "b", "c"}, []string{"b", "c", "d"})
	want := 2.0 / 4.0
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestJaccardSimilarityBothEmpty(t *testing.T) {
	if got := jaccardSimilarity(nil, nil); got != 1 {
		t.Fatalf("expected 1 for two empty sets, got %v", got)
	}
}
