package textclean

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"markdown markers": {
			in:   "# Tiêu đề\n\n**Đậm** và _nghiêng_ và `code` ~~gạch~~",
			want: " Tiêu đề\n\nĐậm và nghiêng và code gạch",
		},
		"whitespace kept": {
			in:   "  one \t two   three  ",
			want: "  one \t two   three  ",
		},
		"keeps paragraphs": {
			in:   "First paragraph.\r\n\r\nSecond paragraph.",
			want: "First paragraph.\r\n\r\nSecond paragraph.",
		},
		"punctuation untouched": {
			in:   "Hello! Is it 3.5? Yes.",
			want: "Hello! Is it 3.5? Yes.",
		},
		"only markers": {
			in:   "***",
			want: "",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Clean(tc.in))
		})
	}
}
