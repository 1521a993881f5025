package loop

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
)

// httpResponseParser accumulates inbound bytes and re-attempts a full
// response parse after every chunk. It returns a non-nil response exactly
// once, when headers and body are both complete.
type httpResponseParser struct {
	buf  bytes.Buffer
	done bool
}

func newHTTPResponseParser() *httpResponseParser {
	return &httpResponseParser{}
}

// parse appends data and returns the response once it is fully buffered.
// A nil response with nil error means "keep reading".
func (p *httpResponseParser) parse(data []byte) (*http.Response, error) {
	if p.done {
		return nil, nil
	}
	p.buf.Write(data)

	reader := bufio.NewReader(bytes.NewReader(p.buf.Bytes()))
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		if incomplete(err) {
			return nil, nil
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// Truncated chunked bodies surface here; wait for more bytes.
		return nil, nil
	}
	if resp.ContentLength >= 0 && int64(len(body)) < resp.ContentLength {
		return nil, nil
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	p.done = true
	return resp, nil
}

func incomplete(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "unexpected EOF")
}
