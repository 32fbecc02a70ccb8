// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ingest implements the HTTP ingest client (spec §4.3): an
// authenticated, retrying POST pipeline that drains the local buffer ahead
// of every batch and re-buffers on exhaustion, providing the agent's
// at-least-once delivery guarantee.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	kgzip "github.com/klauspost/compress/gzip"

	"github.com/nishisan-dev/plexus-agent/internal/buffer"
	"github.com/nishisan-dev/plexus-agent/internal/point"
	"github.com/nishisan-dev/plexus-agent/internal/retry"
)

// gzipThreshold is the batch body size above which the POST body is
// gzip-compressed with klauspost/compress, mirroring (at a far smaller
// scale) the teacher's negotiated stream compression modes.
const gzipThreshold = 8 * 1024

// Client delivers Points to the backend's /api/ingest endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	sourceID   string
	httpClient *http.Client
	policy     retry.Policy
	buf        buffer.Buffer
	logger     *slog.Logger

	session *Session
}

// Config bundles the construction parameters for a Client.
type Config struct {
	Endpoint string
	APIKey   string
	SourceID string
	Timeout  time.Duration
	Policy   retry.Policy
	Buffer   buffer.Buffer
	Logger   *slog.Logger
}

// New constructs an ingest Client. A zero Timeout defaults to 10s per spec §5.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		sourceID:   cfg.SourceID,
		httpClient: &http.Client{Timeout: timeout},
		policy:     cfg.Policy,
		buf:        cfg.Buffer,
		logger:     cfg.Logger,
		session:    newSession(),
	}
}

type wirePoint struct {
	Metric    string            `json:"metric"`
	Value     point.Value       `json:"value"`
	SourceID  string            `json:"source_id"`
	Timestamp int64             `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

type ingestBody struct {
	Points []wirePoint `json:"points"`
}

// Send delivers points to the backend, prepending any currently-buffered
// points ahead of them (spec §4.3 "prepend, not interleave"). On success the
// buffer is cleared. On exhaustion of retries, the *new* points only are
// appended to the buffer (the prepended ones were already counted there) and
// the last transport error is returned.
func (c *Client) Send(ctx context.Context, points []point.Point) error {
	buffered, err := c.buf.Snapshot()
	if err != nil {
		return fmt.Errorf("ingest: reading buffer snapshot: %w", err)
	}

	stamped := c.stampSession(points)
	all := append(append([]point.Point{}, buffered...), stamped...)

	var lastStatus int
	sendErr := retry.Do(ctx, c.policy, func(err error) retry.Classification {
		if lastStatus != 0 {
			return retry.ClassifyHTTPStatus(lastStatus)
		}
		return retry.ClassifyError(err)
	}, func() error {
		status, err := c.post(ctx, "/api/ingest", toWire(all))
		lastStatus = status
		if err != nil {
			return err
		}
		if retry.ClassifyHTTPStatus(status) != retry.Success {
			return fmt.Errorf("ingest: unexpected status %d", status)
		}
		return nil
	})

	if sendErr == nil {
		return c.buf.Clear()
	}

	if err := c.buf.Add(stamped); err != nil {
		c.logger.Error("ingest: failed to re-buffer points after send failure", "error", err)
	}
	return fmt.Errorf("ingest: send failed: %w", sendErr)
}

// stampSession attaches the active session id (if any) to every point,
// matching original_source/plexus/client.py's per-point session tagging.
func (c *Client) stampSession(points []point.Point) []point.Point {
	sid := c.session.Current()
	if sid == "" {
		return points
	}
	out := make([]point.Point, len(points))
	for i, p := range points {
		p.SessionID = sid
		out[i] = p
	}
	return out
}

func toWire(points []point.Point) ingestBody {
	wire := make([]wirePoint, len(points))
	for i, p := range points {
		wire[i] = wirePoint{
			Metric:    p.Metric,
			Value:     p.Value,
			SourceID:  p.SourceID,
			Timestamp: p.TimestampMs,
			Tags:      p.Tags,
			SessionID: p.SessionID,
		}
	}
	return ingestBody{Points: wire}
}

func (c *Client) post(ctx context.Context, path string, body any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("ingest: marshaling request body: %w", err)
	}

	var reader io.Reader = bytes.NewReader(payload)
	gzipped := false
	if len(payload) > gzipThreshold {
		var buf bytes.Buffer
		zw := kgzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err == nil && zw.Close() == nil {
			reader = &buf
			gzipped = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, reader)
	if err != nil {
		return 0, fmt.Errorf("ingest: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ingest: request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
