package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReadabilityStripsChromeAndScripts(t *testing.T) {
	t.Parallel()
	r := NewReadability(zap.NewNop())

	html := `<html><body>
		<nav>site nav</nav>
		<article>
			<h2>Heading</h2>
			<p>First paragraph with <a href="https://example.com">a link</a>.</p>
			<script>alert("xss")</script>
			<p onclick="steal()">Second paragraph.</p>
		</article>
		<footer>copyright</footer>
	</body></html>`

	content, err := r.Extract(html, "https://example.com/post")
	require.NoError(t, err)
	require.NotNil(t, content)

	assert.Contains(t, content.HTML, "First paragraph")
	assert.Contains(t, content.HTML, "Second paragraph")
	assert.NotContains(t, content.HTML, "<script")
	assert.NotContains(t, content.HTML, "onclick")
	assert.NotContains(t, content.HTML, "site nav")
	assert.NotContains(t, content.HTML, "copyright")

	assert.Contains(t, content.Text, "Heading")
	assert.Contains(t, content.Text, "First paragraph")
	assert.NotContains(t, content.Text, "<p>")
}

func TestReadabilityPrefersArticleOverBody(t *testing.T) {
	t.Parallel()
	r := NewReadability(zap.NewNop())

	html := `<html><body>
		<div class="sidebar">unrelated noise</div>
		<article><p>the actual story</p></article>
	</body></html>`

	content, err := r.Extract(html, "https://example.com")
	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Contains(t, content.HTML, "the actual story")
	assert.NotContains(t, content.HTML, "unrelated noise")
}

func TestReadabilityBodyFallback(t *testing.T) {
	t.Parallel()
	r := NewReadability(zap.NewNop())

	content, err := r.Extract(`<html><body><p>bare page</p></body></html>`, "https://example.com")
	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Contains(t, content.HTML, "bare page")
}

func TestReadabilityEmptyPageYieldsNil(t *testing.T) {
	t.Parallel()
	r := NewReadability(zap.NewNop())

	content, err := r.Extract(`<html><body><script>only code</script></body></html>`, "https://example.com")
	require.NoError(t, err)
	assert.Nil(t, content, "a page with no textual content degrades to absent reading view")
}
