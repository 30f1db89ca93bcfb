package sha256

import "testing"

func TestHasherKeyDeterministic(t *testing.T) {
	t.Parallel()

	got := New().Key("hello world")
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestHasherKeySeparatesParts(t *testing.T) {
	t.Parallel()

	h := New()
	if h.Key("ab", "c") == h.Key("a", "bc") {
		t.Fatal("expected distinct keys for distinct part boundaries")
	}
	if h.Key("listing", "https://books.example/") != h.Key("listing", "https://books.example/") {
		t.Fatal("expected deterministic key")
	}
	if h.Key("listing", "u") == h.Key("book-detail", "u") {
		t.Fatal("expected kind to change the key")
	}
}
