package page

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggedInDetection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		markup string
		want   bool
	}{
		{"anonymous", `<html><body><a href="/login/">Login</a></body></html>`, false},
		{"body class", `<html><body class="home logged-in"></body></html>`, true},
		{"logout link", `<html><body><nav><a href="/accounts/logout/">Sign out</a></nav></body></html>`, true},
	}
	for _, tc := range cases {
		pg, err := ParseString(tc.markup, "/")
		require.NoError(t, err)
		require.Equal(t, tc.want, pg.LoggedIn(), tc.name)
	}
}

func TestPresentAndWrite(t *testing.T) {
	t.Parallel()

	pg, err := ParseString(`<html><body><span id="cart-count">0</span></body></html>`, "/cart")
	require.NoError(t, err)
	require.True(t, pg.Present("#cart-count"))
	require.False(t, pg.Present("#cart-dropdown"))
	require.Equal(t, "/cart", pg.Path())

	pg.Find("#cart-count").SetText("3")
	var b strings.Builder
	n, err := pg.WriteTo(&b)
	require.NoError(t, err)
	require.Equal(t, int64(b.Len()), n)
	require.Contains(t, b.String(), `<span id="cart-count">3</span>`)
}

func TestNilPageIsAnonymous(t *testing.T) {
	t.Parallel()

	var pg *Page
	require.False(t, pg.LoggedIn())
	require.False(t, pg.Present("body"))
	require.Equal(t, "/", pg.Path())
}
