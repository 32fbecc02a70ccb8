// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/plexus-agent/internal/buffer"
	"github.com/nishisan-dev/plexus-agent/internal/point"
	"github.com/nishisan-dev/plexus-agent/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2, Jitter: false}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *buffer.Memory) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	buf := buffer.NewMemory(100, discardLogger())
	c := New(Config{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		SourceID: "source-test",
		Policy:   fastPolicy(),
		Buffer:   buf,
		Logger:   discardLogger(),
	})
	return c, buf
}

func TestSendSuccessClearsBuffer(t *testing.T) {
	var gotBody ingestBody
	c, buf := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	p := point.New("temp", point.Float(21.5), 0, "source-test", nil, "")
	if err := c.Send(context.Background(), []point.Point{p}); err != nil {
		t.Fatalf("send: %v", err)
	}

	size, _ := buf.Size()
	if size != 0 {
		t.Fatalf("buffer size = %d, want 0 after success", size)
	}
	if len(gotBody.Points) != 1 || gotBody.Points[0].Metric != "temp" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestSendPrependsBufferedPoints(t *testing.T) {
	var gotBody ingestBody
	c, buf := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	buf.Add([]point.Point{point.New("old", point.Int(1), 0, "source-test", nil, "")})

	newPt := point.New("new", point.Int(2), 0, "source-test", nil, "")
	if err := c.Send(context.Background(), []point.Point{newPt}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(gotBody.Points) != 2 || gotBody.Points[0].Metric != "old" || gotBody.Points[1].Metric != "new" {
		t.Fatalf("expected buffered point prepended, got %+v", gotBody.Points)
	}
}

func TestSendNonRetryableFailsFastAndBuffers(t *testing.T) {
	var calls int32
	c, buf := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	p := point.New("temp", point.Int(1), 0, "source-test", nil, "")
	err := c.Send(context.Background(), []point.Point{p})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call for non-retryable status, got %d", calls)
	}
	size, _ := buf.Size()
	if size != 1 {
		t.Fatalf("buffer size = %d, want 1 after failed send", size)
	}
}

func TestSendRetriesOn5xxThenBuffers(t *testing.T) {
	var calls int32
	c, buf := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	p := point.New("temp", point.Int(1), 0, "source-test", nil, "")
	err := c.Send(context.Background(), []point.Point{p})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&calls); got != 3 { // initial + 2 retries
		t.Fatalf("expected 3 calls, got %d", got)
	}
	size, _ := buf.Size()
	if size != 1 {
		t.Fatalf("buffer size = %d, want 1", size)
	}
}

func TestBeginEndStampsSessionID(t *testing.T) {
	var gotBody ingestBody
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/ingest" {
			json.NewDecoder(r.Body).Decode(&gotBody)
		}
		w.WriteHeader(http.StatusOK)
	})

	end := c.Begin(context.Background(), "sess-1", nil)
	p := point.New("temp", point.Int(1), 0, "source-test", nil, "")
	if err := c.Send(context.Background(), []point.Point{p}); err != nil {
		t.Fatalf("send: %v", err)
	}
	end()

	if len(gotBody.Points) != 1 || gotBody.Points[0].SessionID != "sess-1" {
		t.Fatalf("expected session id stamped, got %+v", gotBody.Points)
	}
	if c.session.Current() != "" {
		t.Fatal("expected session cleared after End")
	}
}
