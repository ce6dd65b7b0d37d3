package id

import "testing"

func TestParseRoundTrip(t *testing.T) {
	a := NewRandom()
	b, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a != b {
		t.Fatalf("round trip mismatch: %s != %s", a, b)
	}
}

func TestParseToleratesDashes(t *testing.T) {
	got, err := Parse("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.String() != "0f1e2d3c4b5a69788796a5b4c3d2e1f0" {
		t.Fatalf("got %s", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "xyz", "0f1e2d3c4b5a69788796a5b4c3d2e1f", "zz1e2d3c4b5a69788796a5b4c3d2e1f0"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("parse %q succeeded", s)
		}
	}
}

func TestNilAndRandom(t *testing.T) {
	if !Nil.IsNil() {
		t.Fatalf("Nil not nil")
	}
	if NewRandom().IsNil() {
		t.Fatalf("random id is nil")
	}
	if NewRandom() == NewRandom() {
		t.Fatalf("two random ids equal")
	}
}
