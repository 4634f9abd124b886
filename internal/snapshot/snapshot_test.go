package snapshot

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapture_CopiesRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/entries?count=10&type=sgv&type=mbg", strings.NewReader(`{"sgv":120}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Api-Secret", "abc")
	r.Header.Set("Connection", "keep-alive, X-Hop")
	r.Header.Set("X-Hop", "1")
	r.Header.Set("Keep-Alive", "timeout=5")
	r.Header.Set("Transfer-Encoding", "chunked")

	c, err := Capture(r, Limits{MaxBodyBytes: 1024, MaxComparisonBytes: 1024})
	require.NoError(t, err)

	assert.Equal(t, "POST", c.Method())
	assert.Equal(t, "/api/v1/entries?count=10&type=sgv&type=mbg", c.Path())
	assert.Equal(t, "/api/v1/entries", c.PathOnly())
	assert.Equal(t, []string{"sgv", "mbg"}, c.Query()["type"])
	assert.Equal(t, `{"sgv":120}`, string(c.BodyBytes()))
	assert.Equal(t, "application/json", c.ContentType())
	assert.Equal(t, "abc", c.Header("Api-Secret"))
	assert.False(t, c.BodyTooLarge())

	h := c.Headers()
	for _, name := range []string{"Connection", "X-Hop", "Keep-Alive", "Transfer-Encoding", "Host"} {
		assert.Empty(t, h.Get(name), name)
	}

	// original stream is still readable
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"sgv":120}`, string(data))
}

func TestCapture_BodyReplayable(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/x", strings.NewReader("payload"))
	c, err := Capture(r, Limits{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		data, err := io.ReadAll(c.Body())
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	}
}

func TestCapture_NoBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	c, err := Capture(r, Limits{MaxBodyBytes: 10})
	require.NoError(t, err)
	assert.False(t, c.HasBody())
	assert.Nil(t, c.Body())
	assert.Nil(t, c.BodyBytes())
}

func TestCapture_HardLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 11)))
	_, err := Capture(r, Limits{MaxBodyBytes: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBodyTooLarge))
}

func TestCapture_ComparisonLimitFlagsButKeepsBody(t *testing.T) {
	body := strings.Repeat("a", 20)
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body))
	c, err := Capture(r, Limits{MaxBodyBytes: 100, MaxComparisonBytes: 10})
	require.NoError(t, err)
	assert.True(t, c.BodyTooLarge())
	assert.Equal(t, 20, c.BodyLen())
}

func TestAccessorsReturnCopies(t *testing.T) {
	c := New("get", "/a?x=1", http.Header{"Authorization": {"Bearer t"}}, []byte("b"))

	c.Headers().Set("Authorization", "changed")
	c.Query().Set("x", "2")
	b := c.BodyBytes()
	b[0] = 'z'

	assert.Equal(t, "GET", c.Method())
	assert.Equal(t, "Bearer t", c.Header("Authorization"))
	assert.Equal(t, "1", c.Query().Get("x"))
	assert.Equal(t, "b", string(c.BodyBytes()))
}

func TestStripHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "Upgrade, X-Custom")
	h.Set("Upgrade", "websocket")
	h.Set("X-Custom", "v")
	h.Set("Content-Type", "text/plain")

	StripHopHeaders(h)
	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}
