package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestText_BoundaryBehaviors(t *testing.T) {
	chunks, err := Text("", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, chunks)

	_, err = Text("anything", 0)
	assert.Error(t, err)

	chunks, err = Text("abc", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, chunks)
}

func TestText_UnderLimitIsUnchanged(t *testing.T) {
	chunks, err := Text("hello world", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello world"}, chunks)
}

func TestText_RoundTripReproducesInput(t *testing.T) {
	cases := []struct {
		name  string
		s     string
		limit int
	}{
		{"plain long line", strings.Repeat("a", 50), 7},
		{"multi-line", "first line\nsecond line is much longer than the limit\nthird\n\nfifth after blank", 12},
		{"whitespace heavy", "   leading and    trailing   spaces   ", 6},
		{"single huge token", strings.Repeat("x", 40), 9},
		{"emoji grapheme", strings.Repeat("👍🏽", 10), 3},
		{"mixed newlines", "a\n\n\nb", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks, err := Text(tc.s, tc.limit)
			require.NoError(t, err)
			assert.Equal(t, tc.s, strings.Join(chunks, ""))
			for _, c := range chunks {
				assert.LessOrEqual(t, len([]rune(c)), tc.limit)
			}
		})
	}
}

func TestText_NeverSplitsSurrogatePair(t *testing.T) {
	// U+1F600 (😀) encodes as a single Go rune; slicing by rune never
	// divides it, unlike naive UTF-16 code-unit splitting would.
	s := strings.Repeat("😀", 5)
	chunks, err := Text(s, 2)
	require.NoError(t, err)
	for _, c := range chunks {
		for _, r := range c {
			assert.Equal(t, '😀', r)
		}
	}
	assert.Equal(t, s, strings.Join(chunks, ""))
}

func TestText_PerChannelLimits(t *testing.T) {
	long := strings.Repeat("z", LimitDiscord+500)
	chunks, err := Text(long, LimitDiscord)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), LimitDiscord)
	}
}
