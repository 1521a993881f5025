package loop

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okResponse = "HTTP/1.1 200 OK\r\n" +
	"Content-Length: 11\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello world"

func TestHTTPParserCompleteResponse(t *testing.T) {
	p := newHTTPResponseParser()

	resp, err := p.parse([]byte(okResponse))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestHTTPParserSplitDelivery(t *testing.T) {
	raw := []byte(okResponse)

	for split := 1; split < len(raw); split++ {
		p := newHTTPResponseParser()

		resp, err := p.parse(raw[:split])
		require.NoError(t, err, "split at %d", split)
		require.Nil(t, resp, "split at %d: response before all bytes arrived", split)

		resp, err = p.parse(raw[split:])
		require.NoError(t, err, "split at %d", split)
		require.NotNil(t, resp, "split at %d", split)
		assert.Equal(t, 200, resp.StatusCode)
	}
}

func TestHTTPParserFiresOnce(t *testing.T) {
	p := newHTTPResponseParser()

	resp, err := p.parse([]byte(okResponse))
	require.NoError(t, err)
	require.NotNil(t, resp)

	resp, err = p.parse([]byte("trailing garbage"))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHTTPParserStatusOnly(t *testing.T) {
	p := newHTTPResponseParser()

	raw := "HTTP/1.1 202 Accepted\r\nContent-Length: 0\r\n\r\n"
	resp, err := p.parse([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 202, resp.StatusCode)
}
