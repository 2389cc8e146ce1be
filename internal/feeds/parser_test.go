package feeds

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func collect(body string, rule Rule) []string {
	return slices.Collect(ParseLines([]byte(body), rule))
}

func TestParseLinesSkipsCommentsAndBlanks(t *testing.T) {
	body := "# header\n\n1.1.1.1\n   \n  # indented comment\r\n2.2.2.2\r\n\t\n3.3.3.3"
	got := collect(body, Rule{Format: FormatPlain})
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}, got)
}

func TestParseLinesDelimited(t *testing.T) {
	tests := []struct {
		name string
		body string
		rule Rule
		want []string
	}{
		{
			name: "semicolon first column",
			body: "1.2.3.4;SBL12345",
			rule: Rule{Format: FormatDelimited, Delimiter: ";"},
			want: []string{"1.2.3.4"},
		},
		{
			name: "hash first column",
			body: "5.6.7.8 # comment",
			rule: Rule{Format: FormatDelimited, Delimiter: "#"},
			want: []string{"5.6.7.8"},
		},
		{
			name: "spamhaus comment lines yield nothing",
			body: "; Spamhaus DROP List\n; Last-Modified: today\n10.0.0.0/8 ; SBL1\n",
			rule: Rule{Format: FormatDelimited, Delimiter: ";"},
			want: []string{"10.0.0.0/8"},
		},
		{
			name: "missing column dropped",
			body: "a,b\nc\nd,e,f",
			rule: Rule{Format: FormatDelimited, Delimiter: ",", Column: 1},
			want: []string{"b", "e"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, collect(tc.body, tc.rule))
		})
	}
}

func TestParseLinesWhitespace(t *testing.T) {
	rule := Rule{Format: FormatWhitespace}
	assert.Equal(t, []string{"9.9.9.9"}, collect("9.9.9.9 badsite.example", rule))
	assert.Empty(t, collect("justoneword", rule))
	assert.Equal(t, []string{"127.0.0.1"}, collect("127.0.0.1\t  evil.example  extra", rule))
	assert.Equal(t, []string{"evil.example"}, collect("127.0.0.1 evil.example", Rule{Format: FormatWhitespace, Column: 1}))
}

func TestParseLinesStopsEarly(t *testing.T) {
	var got []string
	for v := range ParseLines([]byte("a\nb\nc\n"), Rule{Format: FormatPlain}) {
		got = append(got, v)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestParseLinesIsReusable(t *testing.T) {
	seq := ParseLines([]byte("a\nb\n"), Rule{Format: FormatPlain})
	assert.Equal(t, []string{"a", "b"}, slices.Collect(seq))
	assert.Equal(t, []string{"a", "b"}, slices.Collect(seq))
}
