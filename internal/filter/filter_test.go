package filter

import (
	"testing"

	"github.com/rzbill/jot/internal/journal"
)

func entry(seq uint64, items ...string) *journal.Entry {
	e := &journal.Entry{Seqnum: seq, Realtime: 1000000 + seq}
	for _, it := range items {
		e.Items = append(e.Items, []byte(it))
	}
	return e
}

func TestDisabledMatchesEverything(t *testing.T) {
	f, err := New("   ")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.Enabled() {
		t.Fatalf("blank expression enabled a filter")
	}
	if !f.Eval(entry(1)) {
		t.Fatalf("disabled filter rejected an entry")
	}
}

func TestFieldExpressions(t *testing.T) {
	f, err := New(`fields["UNIT"] == "a.service" && seq > 2u`)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if f.Eval(entry(1, "UNIT=a.service")) {
		t.Fatalf("seq bound ignored")
	}
	if !f.Eval(entry(3, "UNIT=a.service", "MESSAGE=hi")) {
		t.Fatalf("matching entry rejected")
	}
	if f.Eval(entry(3, "UNIT=b.service")) {
		t.Fatalf("wrong unit accepted")
	}
	// A missing field is an evaluation error, which counts as no match.
	if f.Eval(entry(3, "MESSAGE=hi")) {
		t.Fatalf("entry without the field accepted")
	}
}

func TestTimeExpression(t *testing.T) {
	f, err := New(`realtime_us >= 1000003u`)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.Eval(entry(1)) {
		t.Fatalf("early entry accepted")
	}
	if !f.Eval(entry(5)) {
		t.Fatalf("late entry rejected")
	}
}

func TestBadExpressionRejected(t *testing.T) {
	if _, err := New(`fields[`); err == nil {
		t.Fatalf("unparseable expression accepted")
	}
	if _, err := New(`no_such_var == 1`); err == nil {
		t.Fatalf("unknown variable accepted")
	}
}
