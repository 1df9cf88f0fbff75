package render

import (
	"regexp"
	"strings"
)

// spaMarkers are root-element signatures of client-rendered frameworks.
var spaMarkers = []string{
	`id="root"`,
	`id="app"`,
	`id="__next"`,
	`data-reactroot`,
	`ng-app`,
	`<app-root`,
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

var scriptBlock = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)

// NeedsRendering decides whether a fetched body is an SPA shell that needs
// headless rendering to produce real content. Empty bodies always escalate.
func NeedsRendering(html string) bool {
	if strings.TrimSpace(html) == "" {
		return true
	}

	h := strings.ToLower(html)
	for _, marker := range spaMarkers {
		if strings.Contains(h, marker) {
			return true
		}
	}

	// A page that is mostly script with almost no visible text is a shell.
	scripts := scriptBlock.FindAllString(h, -1)
	scriptLen := 0
	for _, s := range scripts {
		scriptLen += len(s)
	}
	if scriptLen == 0 {
		return false
	}

	stripped := scriptBlock.ReplaceAllString(h, "")
	visible := strings.TrimSpace(tagPattern.ReplaceAllString(stripped, " "))
	visibleLen := len(strings.Join(strings.Fields(visible), " "))

	return visibleLen < 200 && scriptLen > visibleLen*4
}
