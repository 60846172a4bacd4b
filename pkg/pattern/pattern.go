// Package pattern provides the glob matching used by filter and remap rules.
//
// A pattern matches literally except for two wildcards:
//   - '*' matches any run of characters, including the empty run
//   - '?' matches exactly one character
//
// Matching is anchored to the whole input and case-sensitive.
package pattern

import (
	"strings"
)

// Glob is a pre-parsed pattern that can be matched repeatedly.
type Glob struct {
	raw     string
	runes   []rune
	literal bool // no wildcards, compare with ==
}

// Compile parses a pattern. Every string is a valid pattern.
func Compile(pattern string) *Glob {
	return &Glob{
		raw:     pattern,
		runes:   []rune(pattern),
		literal: !strings.ContainsAny(pattern, "*?"),
	}
}

// Match reports whether input matches pattern.
func Match(input, pattern string) bool {
	return Compile(pattern).Match(input)
}

// Match reports whether input matches the glob.
func (g *Glob) Match(input string) bool {
	if g.literal {
		return input == g.raw
	}
	return matchRunes([]rune(input), g.runes)
}

// String returns the original pattern.
func (g *Glob) String() string {
	return g.raw
}

// matchRunes is the classic single-backtrack wildcard matcher: on mismatch it
// resumes from the most recent '*', letting it absorb one more character.
func matchRunes(input, pat []rune) bool {
	in, p := 0, 0
	star, mark := -1, 0

	for in < len(input) {
		switch {
		case p < len(pat) && (pat[p] == '?' || pat[p] == input[in]):
			in++
			p++
		case p < len(pat) && pat[p] == '*':
			star = p
			mark = in
			p++
		case star >= 0:
			p = star + 1
			mark++
			in = mark
		default:
			return false
		}
	}

	for p < len(pat) && pat[p] == '*' {
		p++
	}
	return p == len(pat)
}
