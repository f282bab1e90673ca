package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/dataculpa/mongo-connector/pkg/errors"
	"github.com/dataculpa/mongo-connector/pkg/models"
)

// CommitResult is the server acknowledgement of a committed session.
type CommitResult struct {
	QueueID      string
	ServerResult string
	Records      int
}

// SessionHandle is a live handle to one validator ingestion session,
// scoped to one stream and one bucket. A handle must end in exactly one
// Commit; it must not be abandoned once Push has occurred.
type SessionHandle interface {
	Push(rec models.Record) error
	Commit(ctx context.Context) (CommitResult, error)
}

// Opener opens validator sessions. The time shift tells the server how far
// in the past the session's records originated, so an old bucket is
// attributed to its original date rather than ingestion time.
type Opener interface {
	Open(ctx context.Context, pipeline string, timeShift time.Duration) (SessionHandle, error)
}

// ClientConfig configures the validator controller client.
type ClientConfig struct {
	Host           string
	Port           int
	Secret         string
	Compress       bool
	RequestTimeout time.Duration
}

// Client talks HTTP to the validator controller. It implements Opener.
type Client struct {
	baseURL  string
	secret   string
	compress bool
	http     *http.Client
	log      *zap.Logger
}

// NewClient builds a controller client from configuration.
func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		secret:   cfg.Secret,
		compress: cfg.Compress,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Ping verifies the controller is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/health", nil, false, &out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "validator controller unreachable")
	}
	return nil
}

// Open starts a new ingestion session bound to a pipeline.
func (c *Client) Open(ctx context.Context, pipeline string, timeShift time.Duration) (SessionHandle, error) {
	req := map[string]interface{}{
		"pipeline_name":      pipeline,
		"time_shift_seconds": int64(timeShift / time.Second),
	}
	var resp struct {
		QueueID string `json:"queue_id"`
	}
	if err := c.post(ctx, "/queue/open", req, false, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open validator session").
			WithDetail("pipeline", pipeline)
	}
	if resp.QueueID == "" {
		return nil, errors.New(errors.ErrorTypeConnection, "validator returned an empty queue id").
			WithDetail("pipeline", pipeline)
	}

	c.log.Debug("validator session opened",
		zap.String("pipeline", pipeline),
		zap.String("queue_id", resp.QueueID),
		zap.Duration("time_shift", timeShift))

	return &session{client: c, pipeline: pipeline, queueID: resp.QueueID}, nil
}

// session accumulates encoded records as newline-delimited JSON and ships
// them in one append call at commit time.
type session struct {
	client    *Client
	pipeline  string
	queueID   string
	buf       bytes.Buffer
	count     int
	committed bool
}

func (s *session) Push(rec models.Record) error {
	if s.committed {
		return errors.New(errors.ErrorTypeInternal, "push on committed session").
			WithDetail("queue_id", s.queueID)
	}
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	s.buf.Write(encoded)
	s.buf.WriteByte('\n')
	s.count++
	return nil
}

func (s *session) Commit(ctx context.Context) (CommitResult, error) {
	if s.committed {
		return CommitResult{}, errors.New(errors.ErrorTypeInternal, "session committed twice").
			WithDetail("queue_id", s.queueID)
	}
	s.committed = true

	if s.count > 0 {
		path := fmt.Sprintf("/queue/%s/append", s.queueID)
		if err := s.client.postRaw(ctx, path, s.buf.Bytes()); err != nil {
			return CommitResult{}, errors.Wrap(err, errors.ErrorTypeSinkCommit, "failed to push records to validator").
				WithDetail("queue_id", s.queueID).
				WithDetail("records", s.count)
		}
	}

	var resp struct {
		QueueID string `json:"queue_id"`
		Result  string `json:"result"`
	}
	path := fmt.Sprintf("/queue/%s/commit", s.queueID)
	if err := s.client.post(ctx, path, map[string]interface{}{}, false, &resp); err != nil {
		return CommitResult{}, errors.Wrap(err, errors.ErrorTypeSinkCommit, "validator commit failed").
			WithDetail("queue_id", s.queueID)
	}

	return CommitResult{
		QueueID:      resp.QueueID,
		ServerResult: resp.Result,
		Records:      s.count,
	}, nil
}

// post sends a JSON body and decodes a JSON response.
func (c *Client) post(ctx context.Context, path string, body interface{}, compress bool, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	data, err := c.do(ctx, path, payload, "application/json", compress)
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("malformed controller response: %w", err)
		}
	}
	return nil
}

// postRaw sends a prebuilt newline-delimited JSON payload, gzip-compressed
// when the client is configured for it.
func (c *Client) postRaw(ctx context.Context, path string, payload []byte) error {
	_, err := c.do(ctx, path, payload, "application/x-ndjson", c.compress)
	return err
}

func (c *Client) do(ctx context.Context, path string, payload []byte, contentType string, compress bool) ([]byte, error) {
	body := payload
	if compress && len(payload) > 0 {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if compress && len(payload) > 0 {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("controller returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
