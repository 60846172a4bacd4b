package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		pattern string
		want    bool
	}{
		{name: "literal equal", input: "example.com", pattern: "example.com", want: true},
		{name: "literal differs", input: "example.org", pattern: "example.com", want: false},
		{name: "literal prefix only", input: "example.com.au", pattern: "example.com", want: false},
		{name: "trailing star", input: "foobar", pattern: "foo*", want: true},
		{name: "anchored at start", input: "xfoobar", pattern: "foo*", want: false},
		{name: "star matches empty", input: "foo", pattern: "foo*", want: true},
		{name: "leading star suffix", input: "www.example.onion", pattern: "*.onion", want: true},
		{name: "leading star needs dot", input: "onion", pattern: "*.onion", want: false},
		{name: "anchored at end", input: "x.onion.example", pattern: "*.onion", want: false},
		{name: "middle star", input: "ads.tracker.example.com", pattern: "ads.*.com", want: true},
		{name: "question mark single", input: "ab1.example", pattern: "ab?.example", want: true},
		{name: "question mark not empty", input: "ab.example", pattern: "ab?.example", want: false},
		{name: "question mark not two", input: "ab12.example", pattern: "ab?.example", want: false},
		{name: "star alone", input: "anything.at.all", pattern: "*", want: true},
		{name: "star alone empty", input: "", pattern: "*", want: true},
		{name: "empty pattern empty input", input: "", pattern: "", want: true},
		{name: "empty pattern", input: "a", pattern: "", want: false},
		{name: "star absorbs prefix", input: "aaab", pattern: "*a?b", want: true},
		{name: "suffix must fit", input: "aaxab", pattern: "*a?b", want: false},
		{name: "backtracking", input: "abcbd", pattern: "a*b?", want: true},
		{name: "backtracking exhausted", input: "abcbde", pattern: "a*b?", want: false},
		{name: "backtracking twice", input: "xaybzaxbq", pattern: "*a?b?", want: true},
		{name: "multiple stars", input: "a.b.c.d", pattern: "*.*.d", want: true},
		{name: "case sensitive", input: "Example.com", pattern: "example.com", want: false},
		{name: "case sensitive wildcard", input: "WWW.ONION", pattern: "*.onion", want: false},
		{name: "regex chars literal", input: "a+b.com", pattern: "a+b.com", want: true},
		{name: "dot is literal", input: "axcom", pattern: "a.com", want: false},
		{name: "brackets literal", input: "a[1].com", pattern: "a[?].com", want: true},
		{name: "unicode single rune", input: "bücher.de", pattern: "b?cher.de", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.input, tt.pattern), "Match(%q, %q)", tt.input, tt.pattern)
			assert.Equal(t, tt.want, Compile(tt.pattern).Match(tt.input), "Compile(%q).Match(%q)", tt.pattern, tt.input)
		})
	}
}

func TestCompile_String(t *testing.T) {
	g := Compile("*.lan")
	assert.Equal(t, "*.lan", g.String())
	assert.False(t, g.literal)
	assert.True(t, Compile("localhost").literal)
}

func BenchmarkGlobMatch(b *testing.B) {
	g := Compile("*.tracker.*.example.com")
	for i := 0; i < b.N; i++ {
		g.Match("a.b.tracker.cdn.example.com")
	}
}
