package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		url     string
		class   Class
		blocked bool
	}{
		{"https://example.com/tag/news", ClassTagPage, true},
		{"https://example.com/product-tag/shoes", ClassTagPage, true},
		{"https://example.com/author/jane", ClassAuthorPage, true},
		{"https://example.com/blog/page/3", ClassPagination, true},
		{"https://example.com/assets/logo.svg", ClassStatic, true}, // extension wins over path
		{"https://example.com/static/app", ClassAssets, true},
		{"https://example.com/header.PNG", ClassStatic, true},
		{"https://example.com/theme.css", ClassStatic, true},
		{"https://example.com/shop?orderby=price", ClassQuery, true},
		{"https://example.com/shop?add-to-cart=42", ClassQuery, true},
		{"https://example.com/about", "", false},
		{"https://example.com/pages/3", "", false},
		{"https://example.com/shop?id=7", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			c := NewClassifier()
			class, blocked := c.Classify(tc.url)
			assert.Equal(t, tc.blocked, blocked)
			if tc.blocked {
				assert.Equal(t, tc.class, class)
			}
		})
	}
}

func TestClassifierCounters(t *testing.T) {
	c := NewClassifier()

	for i := 0; i < 8; i++ {
		c.Classify(fmt.Sprintf("https://example.com/tag/t%d", i))
	}
	c.Classify("https://example.com/author/jane")
	c.Classify("https://example.com/keep-me")

	counts := c.Counts()
	assert.Equal(t, 8, counts[ClassTagPage])
	assert.Equal(t, 1, counts[ClassAuthorPage])
	assert.Equal(t, 9, c.Total())

	samples := c.Samples()
	assert.Len(t, samples[ClassTagPage], 5, "samples are capped per class")
	assert.Len(t, samples[ClassAuthorPage], 1)
}
