package invoke

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/google/uuid"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/loop"
	"github.com/cuemby/foreman/pkg/metrics"
)

// lambdaAPIVersion pins the invocation REST path.
const lambdaAPIVersion = "2015-03-31"

// InvocationPayload is the event document delivered to the worker function.
// The worker dials the coordinator back and fetches blobs from the storage
// backend.
type InvocationPayload struct {
	Coordinator    string `json:"coordinator"`
	StorageBackend string `json:"storage_backend"`
}

// Config holds everything needed to launch workers on AWS Lambda.
type Config struct {
	Region          string
	Function        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Coordinator is the host:port workers dial back.
	Coordinator string
	// StorageBackend is the blob store URI handed to workers.
	StorageBackend string
}

// Lambda launches ephemeral workers by firing signed, fire-and-forget
// invocation requests at the AWS Lambda API.
type Lambda struct {
	cfg    Config
	signer *v4.Signer
}

// NewLambda builds the adapter.
func NewLambda(cfg Config) *Lambda {
	return &Lambda{cfg: cfg, signer: v4.NewSigner()}
}

// Endpoint returns the regional Lambda API host.
func (l *Lambda) Endpoint() string {
	return fmt.Sprintf("lambda.%s.amazonaws.com", l.cfg.Region)
}

// Request builds the signed HTTPS invocation request. Invocation type is
// Event (asynchronous, fire-and-forget) with log capture disabled.
func (l *Lambda) Request() (*http.Request, error) {
	payload, err := json.Marshal(InvocationPayload{
		Coordinator:    l.cfg.Coordinator,
		StorageBackend: l.cfg.StorageBackend,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invocation payload: %w", err)
	}

	url := fmt.Sprintf("https://%s/%s/functions/%s/invocations",
		l.Endpoint(), lambdaAPIVersion, l.cfg.Function)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build invocation request: %w", err)
	}
	req.ContentLength = int64(len(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Amz-Invocation-Type", "Event")
	req.Header.Set("X-Amz-Log-Type", "None")

	creds := aws.Credentials{
		AccessKeyID:     l.cfg.AccessKeyID,
		SecretAccessKey: l.cfg.SecretAccessKey,
		SessionToken:    l.cfg.SessionToken,
	}
	digest := sha256.Sum256(payload)
	err = l.signer.SignHTTP(context.Background(), creds, req,
		hex.EncodeToString(digest[:]), "lambda", l.cfg.Region, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sign invocation request: %w", err)
	}

	return req, nil
}

// LaunchWorker fires one invocation through the loop's HTTP helper. Success
// and failure are logged only; the real success signal is the worker dialing
// back.
func (l *Lambda) LaunchWorker(lp *loop.Loop) error {
	req, err := l.Request()
	if err != nil {
		return err
	}

	logger := log.WithComponent("invoke")
	tag := "start-worker-" + uuid.NewString()[:8]

	_, err = lp.MakeHTTPRequest(tag, l.Endpoint()+":443", true, req,
		func(id uint64, tag string, resp *http.Response) {
			metrics.InvocationsTotal.WithLabelValues("accepted").Inc()
			logger.Info().Str("tag", tag).Int("status", resp.StatusCode).Msg("invoked a worker")
		},
		func(id uint64, tag string) {
			metrics.InvocationsTotal.WithLabelValues("failed").Inc()
			logger.Error().Str("tag", tag).Msg("invocation request failed")
		})
	if err != nil {
		metrics.InvocationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("launch worker: %w", err)
	}

	return nil
}
