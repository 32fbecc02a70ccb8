// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/nishisan-dev/plexus-agent/internal/camera"
)

// StartCameraStreamRequest mirrors streaming.py's start_camera payload.
type StartCameraStreamRequest struct {
	CameraID   string
	FrameRate  int
	Resolution [2]int
	Quality    int
}

// StartCameraStream starts a camera stream, cancelling and awaiting any
// existing stream for the same camera id first (spec §4.6 "Starting a
// camera stream with an id that is already active first cancels and awaits
// the existing task").
func (m *Manager) StartCameraStream(req StartCameraStreamRequest) error {
	if req.FrameRate <= 0 {
		req.FrameRate = 10
	}

	driver, ok := m.cameraHub.Get(req.CameraID)
	if !ok {
		m.status(fmt.Sprintf("Camera not found: %s", req.CameraID))
		return fmt.Errorf("stream: unknown camera %q", req.CameraID)
	}

	if req.Resolution != [2]int{} || req.Quality != 0 {
		_ = m.cameraHub.Configure(req.CameraID, req.Resolution, req.Quality, req.FrameRate)
	}

	m.mu.Lock()
	if existing, ok := m.cameraStreams[req.CameraID]; ok {
		existing.cancel()
		done := existing.done
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cameraStreams[req.CameraID] = &cameraStream{cancel: cancel, done: done}
	m.mu.Unlock()

	m.status(fmt.Sprintf("Camera %s @ %dfps", req.CameraID, req.FrameRate))

	go m.cameraLoop(ctx, done, req.CameraID, driver, req.FrameRate)
	return nil
}

func (m *Manager) cameraLoop(ctx context.Context, done chan struct{}, cameraID string, driver camera.Driver, frameRateFPS int) {
	defer close(done)
	defer driver.Cleanup()

	if err := driver.Setup(); err != nil {
		m.logger.Warn("camera stream: setup failed", "camera", cameraID, "error", err)
		return
	}

	interval := time.Second / time.Duration(frameRateFPS)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := driver.Capture()
		if err != nil {
			m.logger.Warn("camera stream: capture failed", "camera", cameraID, "error", err)
		} else if len(frame.Data) > 0 {
			if err := m.emit.SendVideoFrame(cameraID, frame); err != nil {
				m.logger.Warn("camera stream: send failed", "camera", cameraID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// StopCameraStream cancels and removes a camera stream. id "*" stops every
// active camera stream.
func (m *Manager) StopCameraStream(id string) {
	m.mu.Lock()
	if id == "*" {
		streams := m.cameraStreams
		m.cameraStreams = make(map[string]*cameraStream)
		m.mu.Unlock()
		for _, s := range streams {
			s.cancel()
		}
		m.status("Stopped all camera streams")
		return
	}

	s, ok := m.cameraStreams[id]
	if ok {
		delete(m.cameraStreams, id)
	}
	m.mu.Unlock()

	if ok {
		s.cancel()
		m.status("Stopped camera")
	}
}

// ConfigureCamera updates resolution/quality/frame-rate for a registered
// camera (spec §4.6 "configure_camera").
func (m *Manager) ConfigureCamera(id string, resolution [2]int, quality, frameRateFPS int) error {
	return m.cameraHub.Configure(id, resolution, quality, frameRateFPS)
}
