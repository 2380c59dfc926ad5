package pattern_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/dirwatch/dirwatch/internal/pattern"
)

func mustCompile(t *testing.T, expr string) pattern.Predicate {
	t.Helper()
	p, err := pattern.Compile(expr)
	if err != nil {
		t.Fatalf("Compile(%q): %v", expr, err)
	}
	return p
}

func TestCompile_Matches(t *testing.T) {
	tests := []struct {
		expr string
		name string
		want bool
	}{
		{"*", "notes.txt", true},
		{"*", ".hidden", true},
		{"*.txt", "notes.txt", true},
		{"*.txt", "image.png", false},
		{"*.log", "app.log", true},
		{"*.log", "app.txt", false},
		{"?.go", "a.go", true},
		{"?.go", "ab.go", false},
		{"[abc].md", "b.md", true},
		{"[abc].md", "d.md", false},
		{"[^abc].md", "d.md", true},
		{"[!abc].md", "d.md", true},
		{"[!abc].md", "a.md", false},
		{"[!.]*", "notes.txt", true},
		{"[!.]*", ".hidden", false},
		{"*.[!t]xt", "a.txt", false},
		{"*.[!t]xt", "a.cxt", true},
		{"[!a-c]*", "dog", true},
		{"[!a-c]*", "cat", false},
		{`\[!a]`, "[!a]", true},
		{"!*", "!x", true},
		{"x!", "x!", true},
		{"[a!]", "!", true},
		{"*.{[!t]xt,log}", "a.cxt", true},
		{"*.{[!t]xt,log}", "a.txt", false},
		{"[a-c]*", "cat", true},
		{`\*.txt`, "*.txt", true},
		{`\*.txt`, "a.txt", false},
		{"*.{jpg,png}", "photo.png", true},
		{"*.{jpg,png}", "photo.jpg", true},
		{"*.{jpg,png}", "photo.gif", false},
		{"{a,b{c,d}}.txt", "bd.txt", true},
		{"{a,b{c,d}}.txt", "a.txt", true},
		{"{a,b{c,d}}.txt", "b.txt", false},
		{`\{a,b\}`, "{a,b}", true},
		{"[{]x", "{x", true},
		{"a}", "a}", true},
		{"*", "sub/file", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr+"/"+tt.name, func(t *testing.T) {
			p := mustCompile(t, tt.expr)
			if got := pattern.Matches(tt.name, p); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.name, tt.expr, got, tt.want)
			}
		})
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	for _, expr := range []string{"", "[", "[a-", "*.{jpg,png", `abc\`, "{a,[}"} {
		t.Run(expr, func(t *testing.T) {
			_, err := pattern.Compile(expr)
			if err == nil {
				t.Fatalf("Compile(%q): expected error", expr)
			}
			if !errors.Is(err, pattern.ErrSyntax) {
				t.Errorf("Compile(%q) error %v does not match ErrSyntax", expr, err)
			}
			var se *pattern.SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("Compile(%q) error %T is not *SyntaxError", expr, err)
			}
			if se.Expr != expr {
				t.Errorf("SyntaxError.Expr = %q, want %q", se.Expr, expr)
			}
		})
	}
}

func TestCompile_BadPatternUnwraps(t *testing.T) {
	_, err := pattern.Compile("[")
	if !errors.Is(err, filepath.ErrBadPattern) {
		t.Errorf("error %v does not wrap filepath.ErrBadPattern", err)
	}
}

func TestCompileAll_EmptyIsMatchAll(t *testing.T) {
	set, err := pattern.CompileAll(nil)
	if err != nil {
		t.Fatalf("CompileAll(nil): %v", err)
	}
	if len(set) != 1 || set[0].String() != "*" {
		t.Fatalf("CompileAll(nil) = %v, want [*]", set)
	}
	for _, name := range []string{"a", "notes.txt", "Makefile"} {
		if !pattern.MatchesAny(name, set) {
			t.Errorf("match-all set rejected %q", name)
		}
	}
}

func TestCompileAll_StopsAtFirstError(t *testing.T) {
	if _, err := pattern.CompileAll([]string{"*.txt", "["}); !errors.Is(err, pattern.ErrSyntax) {
		t.Fatalf("CompileAll: err = %v, want ErrSyntax", err)
	}
}

func TestMatchesAny(t *testing.T) {
	set, err := pattern.CompileAll([]string{"*.txt", "*.log"})
	if err != nil {
		t.Fatal(err)
	}
	if !pattern.MatchesAny("a.log", set) {
		t.Error("a.log should match")
	}
	if pattern.MatchesAny("a.png", set) {
		t.Error("a.png should not match")
	}
	if pattern.MatchesAny("a.txt", nil) {
		t.Error("empty set must match nothing")
	}
}

func TestZeroPredicateMatchesNothing(t *testing.T) {
	var p pattern.Predicate
	if p.Match("anything") {
		t.Error("zero Predicate matched")
	}
}

func TestExpansionLimit(t *testing.T) {
	expr := "{a,b}{a,b}{a,b}{a,b}{a,b}{a,b}{a,b}{a,b}{a,b}{a,b}{a,b}"
	if _, err := pattern.Compile(expr); !errors.Is(err, pattern.ErrSyntax) {
		t.Fatalf("Compile(2^11 alternatives): err = %v, want ErrSyntax", err)
	}
}
