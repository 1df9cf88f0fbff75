package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeedsRendering(t *testing.T) {
	longText := strings.Repeat("real visible content with many words ", 20)

	cases := []struct {
		name string
		html string
		want bool
	}{
		{"empty body", "", true},
		{"whitespace body", "  \n\t ", true},
		{"react root", `<html><body><div id="root"></div><script src="/bundle.js"></script></body></html>`, true},
		{"next shell", `<html><body><div id="__next"></div></body></html>`, true},
		{"vue app", `<html><body><div id="app"></div></body></html>`, true},
		{"angular root", `<html><body><app-root></app-root></body></html>`, true},
		{"marker is case-insensitive", `<html><body><DIV ID="ROOT"></DIV></body></html>`, true},
		{
			"script-heavy shell",
			`<html><body><p>loading</p><script>` + strings.Repeat("window.__data__=1;", 200) + `</script></body></html>`,
			true,
		},
		{"static page", `<html><body><h1>Shop</h1><p>` + longText + `</p></body></html>`, false},
		{
			"content page with small script",
			`<html><body><p>` + longText + `</p><script>analytics()</script></body></html>`,
			false,
		},
		{"plain page no scripts", `<html><body><p>short</p></body></html>`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NeedsRendering(tc.html))
		})
	}
}
