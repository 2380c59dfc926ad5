// Package pattern compiles shell-style glob expressions into predicates used
// to filter directory events by file name.
//
// The syntax is that of [filepath.Match] (`*`, `?`, `[...]`, `[^...]` and
// backslash escapes) extended with shell-style negated classes (`[!...]` is
// the same as `[^...]`) and brace alternation: `*.{jpg,png}` matches
// either extension. Alternations may nest. Matching is performed against the
// file name relative to the watched directory, so `*` never crosses a path
// separator.
package pattern

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrSyntax is matched by every error returned from Compile.
var ErrSyntax = errors.New("pattern: invalid glob expression")

// SyntaxError reports an invalid glob expression. It is returned at compile
// time so that callers see the failure when registering, never while events
// are being dispatched.
type SyntaxError struct {
	Expr   string
	Reason string
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("pattern: invalid glob %q: %s", e.Expr, e.Reason)
}

// Unwrap exposes both ErrSyntax and the underlying cause (usually
// filepath.ErrBadPattern).
func (e *SyntaxError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSyntax}
	}
	return []error{ErrSyntax, e.Err}
}

// Predicate is a compiled glob expression. The zero Predicate matches
// nothing.
type Predicate struct {
	expr string
	alts []string
}

// String returns the source expression.
func (p Predicate) String() string { return p.expr }

// Match reports whether name satisfies the predicate.
func (p Predicate) Match(name string) bool {
	for _, alt := range p.alts {
		// alts were validated by Compile, so the error is always nil.
		if ok, _ := filepath.Match(alt, name); ok {
			return true
		}
	}
	return false
}

// matchAllExpr is substituted when a listener registers without patterns.
const matchAllExpr = "*"

// MatchAll returns the implicit predicate installed for listeners that supply
// no patterns.
func MatchAll() Predicate {
	return Predicate{expr: matchAllExpr, alts: []string{matchAllExpr}}
}

// Compile parses expr into a Predicate. It has no side effects.
func Compile(expr string) (Predicate, error) {
	if expr == "" {
		return Predicate{}, &SyntaxError{Expr: expr, Reason: "empty expression"}
	}

	alts, err := expand(expr)
	if err != nil {
		return Predicate{}, &SyntaxError{Expr: expr, Reason: err.Error()}
	}

	for i, alt := range alts {
		alt = negateClasses(alt)
		alts[i] = alt
		// filepath.Match validates the whole pattern even when the match
		// fails early, so matching against "" is enough to surface
		// ErrBadPattern.
		if _, err := filepath.Match(alt, ""); err != nil {
			return Predicate{}, &SyntaxError{Expr: expr, Reason: "malformed character class or escape", Err: err}
		}
	}

	return Predicate{expr: expr, alts: alts}, nil
}

// CompileAll compiles every expression in exprs. An empty list yields the
// match-all set, so the result is never empty.
func CompileAll(exprs []string) ([]Predicate, error) {
	if len(exprs) == 0 {
		return []Predicate{MatchAll()}, nil
	}
	out := make([]Predicate, 0, len(exprs))
	for _, e := range exprs {
		p, err := Compile(e)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Matches reports whether name satisfies p.
func Matches(name string, p Predicate) bool {
	return p.Match(name)
}

// MatchesAny reports whether name satisfies at least one predicate in set.
func MatchesAny(name string, set []Predicate) bool {
	for _, p := range set {
		if p.Match(name) {
			return true
		}
	}
	return false
}

// negateClasses rewrites each '!' that opens a character class to '^', the
// negation marker filepath.Match understands. Escaped brackets and '!'
// anywhere else are left alone.
func negateClasses(alt string) string {
	if !strings.Contains(alt, "[!") {
		return alt
	}
	b := []byte(alt)
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '[':
			i++
			if i < len(b) && b[i] == '!' {
				b[i] = '^'
			}
			if i < len(b) && b[i] == '^' {
				i++
			}
			for ; i < len(b) && b[i] != ']'; i++ {
				if b[i] == '\\' {
					i++
				}
			}
		}
	}
	return string(b)
}

// maxAlternatives bounds the number of patterns one expression may expand to.
const maxAlternatives = 1024

// expand performs brace expansion on expr, returning one or more plain
// filepath.Match patterns.
func expand(expr string) ([]string, error) {
	lo, hi, err := findBraces(expr)
	if err != nil {
		return nil, err
	}
	if lo < 0 {
		return []string{expr}, nil
	}

	prefix, body, suffix := expr[:lo], expr[lo+1:hi], expr[hi+1:]

	var out []string
	for _, choice := range splitTopLevel(body) {
		sub, err := expand(prefix + choice + suffix)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
		if len(out) > maxAlternatives {
			return nil, fmt.Errorf("brace expansion exceeds %d alternatives", maxAlternatives)
		}
	}
	return out, nil
}

// findBraces locates the first top-level brace group in expr. It returns
// (-1, -1, nil) when there is none. Braces inside character classes, escaped
// braces, and a '}' with no opening brace are literal.
func findBraces(expr string) (lo, hi int, err error) {
	lo = -1
	depth := 0
	inClass := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '\\':
			i++ // skip escaped byte
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
		case c == '{':
			if depth == 0 {
				lo = i
			}
			depth++
		case c == '}':
			if depth == 0 {
				continue // stray '}' is literal
			}
			depth--
			if depth == 0 {
				return lo, i, nil
			}
		}
	}
	if depth != 0 {
		return -1, -1, errors.New("unmatched '{'")
	}
	return -1, -1, nil
}

// splitTopLevel splits the body of a brace group at commas that are not
// nested in an inner group, a character class, or escaped.
func splitTopLevel(body string) []string {
	var (
		parts   []string
		sb      strings.Builder
		depth   int
		inClass bool
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body):
			sb.WriteByte(c)
			i++
			sb.WriteByte(body[i])
			continue
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
		case c == '{':
			depth++
		case c == '}':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, sb.String())
			sb.Reset()
			continue
		}
		sb.WriteByte(c)
	}
	return append(parts, sb.String())
}
