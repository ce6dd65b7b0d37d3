package cli

import (
	"bytes"
	"strings"
	"testing"
)

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if stdin != "" {
		root.SetIn(strings.NewReader(stdin))
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("jot %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestAppendAndCat(t *testing.T) {
	dir := t.TempDir()

	out := run(t, "", "append", "-D", dir, "MESSAGE=hello world", "UNIT=demo.service")
	if strings.TrimSpace(out) != "1" {
		t.Fatalf("want seqnum 1, got %q", out)
	}
	run(t, "", "append", "-D", dir, "MESSAGE=second", "UNIT=other.service")

	out = run(t, "", "cat", "-D", dir)
	if !strings.Contains(out, "hello world") || !strings.Contains(out, "second") {
		t.Fatalf("cat output missing entries:\n%s", out)
	}

	out = run(t, "", "cat", "-D", dir, "--match", "UNIT=demo.service")
	if !strings.Contains(out, "hello world") || strings.Contains(out, "second") {
		t.Fatalf("match did not narrow output:\n%s", out)
	}

	out = run(t, "", "cat", "-D", dir, "--filter", `fields["UNIT"] == "other.service"`)
	if strings.Contains(out, "hello world") || !strings.Contains(out, "second") {
		t.Fatalf("filter did not narrow output:\n%s", out)
	}
}

func TestAppendFromStdin(t *testing.T) {
	dir := t.TempDir()

	run(t, "one\ntwo\nthree\n", "append", "-D", dir, "--stdin", "--field", "UNIT=batch.service")
	out := run(t, "", "cat", "-D", dir, "-o", "json")
	for _, want := range []string{`"one"`, `"two"`, `"three"`, "batch.service"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in:\n%s", want, out)
		}
	}
}

func TestStatAndLs(t *testing.T) {
	dir := t.TempDir()
	run(t, "", "append", "-D", dir, "MESSAGE=x")

	out := run(t, "", "stat", "-D", dir)
	if !strings.Contains(out, "Entries:       1") {
		t.Fatalf("stat output:\n%s", out)
	}

	out = run(t, "", "ls", "-D", dir)
	if !strings.Contains(out, "jot.journal") {
		t.Fatalf("ls output:\n%s", out)
	}
}

func TestVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	run(t, "", "append", "-D", dir, "MESSAGE=x")

	out := run(t, "", "verify", "-D", dir)
	if !strings.Contains(out, "PASS") {
		t.Fatalf("verify output:\n%s", out)
	}
}

func TestRotateCommand(t *testing.T) {
	dir := t.TempDir()
	run(t, "", "append", "-D", dir, "MESSAGE=before rotate")
	run(t, "", "rotate", "-D", dir)

	out := run(t, "", "ls", "-D", dir)
	if !strings.Contains(out, "archived") {
		t.Fatalf("no archived file after rotate:\n%s", out)
	}

	// Entries survive rotation and remain readable across files.
	out = run(t, "", "cat", "-D", dir)
	if !strings.Contains(out, "before rotate") {
		t.Fatalf("entry lost across rotation:\n%s", out)
	}
}
