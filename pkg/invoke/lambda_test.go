package invoke

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Region:          "us-east-1",
		Function:        "foreman-worker",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Coordinator:     "203.0.113.7:9924",
		StorageBackend:  "s3://gg-blobs/prefix",
	}
}

func TestEndpoint(t *testing.T) {
	l := NewLambda(testConfig())
	assert.Equal(t, "lambda.us-east-1.amazonaws.com", l.Endpoint())
}

func TestRequestShape(t *testing.T) {
	l := NewLambda(testConfig())

	req, err := l.Request()
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https", req.URL.Scheme)
	assert.Equal(t, "lambda.us-east-1.amazonaws.com", req.URL.Host)
	assert.Equal(t, "/2015-03-31/functions/foreman-worker/invocations", req.URL.Path)

	assert.Equal(t, "Event", req.Header.Get("X-Amz-Invocation-Type"))
	assert.Equal(t, "None", req.Header.Get("X-Amz-Log-Type"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var payload InvocationPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "203.0.113.7:9924", payload.Coordinator)
	assert.Equal(t, "s3://gg-blobs/prefix", payload.StorageBackend)
}

func TestRequestIsSigned(t *testing.T) {
	l := NewLambda(testConfig())

	req, err := l.Request()
	require.NoError(t, err)

	auth := req.Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256"), "got %q", auth)
	assert.Contains(t, auth, "Credential=AKIDEXAMPLE")
	assert.NotEmpty(t, req.Header.Get("X-Amz-Date"))
}
