// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"sync"

	"github.com/pkg/errors"
)

// scheduler holds the frames waiting to be written by a Muxer. Frames for
// stream 0 go first. Exchange frames are taken round-robin, one frame per
// exchange per turn, so that a busy exchange cannot starve the others.
// Frames of a single exchange keep their order.
type scheduler struct {
	mu      sync.Mutex
	control []FrameData
	queues  map[StreamID][]FrameData
	ring    []StreamID // exchanges with queued frames, each at most once
	pending int
	popped  int // taken by the writer but not yet flushed
	signal  chan struct{}
	closed  bool
}

func newScheduler() *scheduler {
	return &scheduler{
		queues: make(map[StreamID][]FrameData),
		signal: make(chan struct{}, 1),
	}
}

func (s *scheduler) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// push queues a frame. Frames for stream 0 are queued as control frames.
func (s *scheduler) push(id StreamID, fd FrameData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		FrameDataFree(fd)
		return errors.WithStack(ErrMuxerClosed)
	}
	if id == 0 {
		s.control = append(s.control, fd)
	} else {
		q, queued := s.queues[id]
		if !queued {
			s.ring = append(s.ring, id)
		}
		s.queues[id] = append(q, fd)
	}
	s.pending++
	s.notify()
	return nil
}

// pop returns the next frame to write, or nil if none are queued.
func (s *scheduler) pop() (fd FrameData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.control) > 0 {
		fd = s.control[0]
		s.control[0] = nil
		s.control = s.control[1:]
		s.pending--
		s.popped++
		return
	}
	if len(s.ring) == 0 {
		return nil
	}
	id := s.ring[0]
	s.ring = s.ring[1:]
	q := s.queues[id]
	fd = q[0]
	q[0] = nil
	if q = q[1:]; len(q) > 0 {
		s.queues[id] = q
		s.ring = append(s.ring, id)
	} else {
		delete(s.queues, id)
	}
	s.pending--
	s.popped++
	return
}

// flushed is called by the writer once the frames it popped are on the wire.
func (s *scheduler) flushed() {
	s.mu.Lock()
	s.popped = 0
	s.mu.Unlock()
}

// len returns the number of frames queued or not yet flushed.
func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending + s.popped
}

// close discards all queued frames and refuses new ones.
func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		for _, fd := range s.control {
			FrameDataFree(fd)
		}
		for _, q := range s.queues {
			for _, fd := range q {
				FrameDataFree(fd)
			}
		}
		s.control = nil
		s.queues = nil
		s.ring = nil
		s.pending = 0
		s.popped = 0
	}
}
