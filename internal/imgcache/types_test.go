package imgcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyCanonicalForm(t *testing.T) {
	for _, raw := range []string{"img/a.jpg", "/img/a.jpg", "//img/a.jpg"} {
		k, err := ParseKey(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, Key("/img/a.jpg"), k)
		assert.Equal(t, "/img/a.jpg", k.String())
		assert.Equal(t, "img/a.jpg", k.ObjectName())
	}
}

func TestParseKeyRejects(t *testing.T) {
	for _, raw := range []string{"", "/", "///", "/a/../b.png", ".."} {
		_, err := ParseKey(raw)
		assert.Error(t, err, raw)
	}
}

func TestKeyFormsRoundTrip(t *testing.T) {
	k, err := ParseKey("/img-original/img/2024/01/01/00/00/00/1_p0.png")
	require.NoError(t, err)
	again, err := ParseKey(k.ObjectName())
	require.NoError(t, err)
	assert.Equal(t, k, again)
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"/a/b/photo.PNG": "image/png",
		"/a.jpg":         "image/jpeg",
		"/a.JPEG":        "image/jpeg",
		"/a.gif":         "image/gif",
		"/a.webp":        "image/webp",
		"/a.svg":         "image/svg+xml",
		"/x":             "application/octet-stream",
		"/x.bin":         "application/octet-stream",
		"/dir.png/x":     "application/octet-stream",
	}
	for path, want := range cases {
		assert.Equal(t, want, ContentTypeFor(Key(path)), path)
	}
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "serve", OutcomeServe.String())
	assert.Equal(t, "not-found", OutcomeNotFound.String())
	assert.Equal(t, "gateway-error", OutcomeGatewayError.String())
}
