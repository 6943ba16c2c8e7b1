package module

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type record struct{ key, mapent string }

func readAll(input string) []record {
	r := newMapReader(strings.NewReader(input))
	var out []record
	for {
		k, v, ok := r.next()
		if !ok {
			return out
		}
		out = append(out, record{k, v})
	}
}

func TestMapReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []record
	}{
		{
			name:  "simple entries",
			input: "foo  -rw server:/export\nbar host:/b\n",
			want:  []record{{"foo", "-rw server:/export"}, {"bar", "host:/b"}},
		},
		{
			name:  "comments and blank lines",
			input: "# header\n\n   \nfoo host:/a\n#bar host:/b\n",
			want:  []record{{"foo", "host:/a"}},
		},
		{
			name:  "leading blanks before key",
			input: "   foo\thost:/a\n",
			want:  []record{{"foo", "host:/a"}},
		},
		{
			name:  "wildcard",
			input: "* host:/home/&\n",
			want:  []record{{"*", "host:/home/&"}},
		},
		{
			name:  "continuation line",
			input: "foo -rw \\\n  host:/a\n",
			want:  []record{{"foo", "-rw   host:/a"}},
		},
		{
			name:  "escape kept in entry",
			input: "foo host:/a\\ b\n",
			want:  []record{{"foo", "host:/a\\ b"}},
		},
		{
			name:  "escaped key character",
			input: "fo\\o host:/a\n",
			want:  []record{{"foo", "host:/a"}},
		},
		{
			name:  "key without entry is skipped",
			input: "lonely\nfoo host:/a\n",
			want:  []record{{"foo", "host:/a"}},
		},
		{
			name:  "last line without newline",
			input: "foo host:/a\nbar x",
			want:  []record{{"foo", "host:/a"}, {"bar", "x"}},
		},
		{
			name:  "direct keys",
			input: "/usr/local host:/usr/local\n",
			want:  []record{{"/usr/local", "host:/usr/local"}},
		},
		{
			name:  "overlong key dropped",
			input: strings.Repeat("k", KeyMax+1) + " host:/a\nfoo host:/b\n",
			want:  []record{{"foo", "host:/b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, readAll(tt.input))
		})
	}
}

func TestProgramEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  string
		want string
	}{
		{"plain", "-rw host:/export\n", "-rw host:/export"},
		{"leading blanks", "  \n\thost:/a\n", "host:/a"},
		{"stops at first line", "host:/a\nhost:/b\n", "host:/a"},
		{"escaped newline joins", "host:/a \\\n/b host:/b\n", "host:/a  /b host:/b"},
		{"other escapes pass through", "host:/a\\:b\n", "host:/a\\:b"},
		{"no output", "", ""},
		{"no trailing newline", "host:/a", "host:/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, programEntry([]byte(tt.out)))
		})
	}
}
