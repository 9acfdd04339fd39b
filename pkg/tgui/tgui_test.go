package tgui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hell…"},
		{"héllo wörld", 2, "hé…"},
		{"anything", 0, ""},
		{"", 3, ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, TruncRunes(tc.in, tc.n), "%q/%d", tc.in, tc.n)
	}
}

func TestHTMLEscapes(t *testing.T) {
	t.Parallel()
	require.Equal(t, H("&lt;b&gt;&amp;"), Esc("<b>&"))
	require.Equal(t, H("<code>x</code>"), Code("x"))
	require.Equal(t, H(`<a href="tg://user?id=42">Bob &amp; Co</a>`), Mention("Bob & Co", 42))

	got := JoinH(" ", Esc("a"), "", Code("b"))
	require.Equal(t, H("a <code>b</code>"), got)
	require.Empty(t, JoinH(" "))
	require.False(t, strings.Contains(string(Esc(`"q"`)), `"`))
}
