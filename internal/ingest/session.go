// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Session tracks the currently active session id that gets stamped onto
// every Point produced while recording. Per spec §9 DESIGN NOTES, the
// source's context-manager session scope is replaced with explicit
// Begin/End guarded by a deferred release, so the scope is released on all
// exit paths including panics: callers defer the end function that Begin
// returns immediately after a successful Begin.
//
// The scope is reentrant-safe (guarded by a mutex) but not nestable: a
// nested Begin replaces the current id, and the matching End restores
// whatever was active before it, mirroring original_source/plexus/client.py's
// single `_session_id` slot.
type Session struct {
	mu    sync.Mutex
	stack []string
}

func newSession() *Session {
	return &Session{}
}

// Current returns the active session id, or "" if no session is active.
func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return ""
	}
	return s.stack[len(s.stack)-1]
}

// Begin activates sessionID as the current session, pushing over any
// previously active one. The returned End func must be deferred by the
// caller to restore the prior session id on every exit path.
func (s *Session) begin(sessionID string) (end func()) {
	s.mu.Lock()
	s.stack = append(s.stack, sessionID)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if len(s.stack) > 0 {
			s.stack = s.stack[:len(s.stack)-1]
		}
		s.mu.Unlock()
	}
}

type sessionEvent struct {
	SessionID string            `json:"session_id"`
	SourceID  string            `json:"source_id"`
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Begin activates sessionID on the client and fire-and-forget notifies the
// backend's /api/sessions endpoint (spec §6). Returns an End function the
// caller must call (typically via defer) to deactivate the session and
// notify the backend the session ended; failures of the notification are
// logged, never raised, matching spec §6 "Fire-and-forget".
func (c *Client) Begin(ctx context.Context, sessionID string, tags map[string]string) (end func()) {
	c.notifySession(ctx, sessionID, "started", tags)
	restore := c.session.begin(sessionID)

	return func() {
		restore()
		c.notifySession(context.Background(), sessionID, "ended", nil)
	}
}

func (c *Client) notifySession(ctx context.Context, sessionID, status string, tags map[string]string) {
	evt := sessionEvent{
		SessionID: sessionID,
		SourceID:  c.sourceID,
		Status:    status,
		Tags:      tags,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Warn("ingest: marshaling session event failed", "error", err)
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.httpClient.Timeout)
	defer cancel()
	if _, err := c.post(reqCtx, "/api/sessions", json.RawMessage(data)); err != nil {
		c.logger.Warn("ingest: session notification failed", "session_id", sessionID, "status", status, "error", err)
	}
}
