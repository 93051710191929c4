// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// FlowController tracks the credit one side of an exchange has been granted
// by the other. Each emitted item consumes one unit of credit; the consumer
// grants more using Request. The number of items produced never exceeds the
// number requested.
type FlowController struct {
	mu        sync.Mutex
	available int64
	requested int64
	produced  int64
	changed   chan struct{} // closed and replaced whenever credit is granted
}

// NewFlowController returns a FlowController with initial units of credit.
func NewFlowController(initial int64) *FlowController {
	if initial < 0 {
		initial = 0
	}
	return &FlowController{
		available: initial,
		requested: initial,
		changed:   make(chan struct{}),
	}
}

func (fc *FlowController) String() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fmt.Sprintf("[FlowController %d/%d (%d)]", fc.produced, fc.requested, fc.available)
}

func addSaturating(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// Request grants n more units of credit and wakes any waiters.
// Returns InvalidCreditRequestError if n is not positive.
func (fc *FlowController) Request(n int64) error {
	if n <= 0 {
		return errors.WithStack(InvalidCreditRequestError{N: n})
	}
	fc.mu.Lock()
	fc.available = addSaturating(fc.available, n)
	fc.requested = addSaturating(fc.requested, n)
	close(fc.changed)
	fc.changed = make(chan struct{})
	fc.mu.Unlock()
	return nil
}

// TryConsume consumes one unit of credit if any is available.
func (fc *FlowController) TryConsume() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.available > 0 {
		fc.available--
		fc.produced++
		return true
	}
	return false
}

// Changed returns a channel that is closed the next time credit is granted.
func (fc *FlowController) Changed() <-chan struct{} {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.changed
}

// Acquire consumes one unit of credit, suspending until some is granted.
// It returns ErrCancelled if done is closed first, or the context error
// if ctx is done first.
func (fc *FlowController) Acquire(ctx context.Context, done <-chan struct{}) error {
	for {
		fc.mu.Lock()
		if fc.available > 0 {
			fc.available--
			fc.produced++
			fc.mu.Unlock()
			return nil
		}
		changed := fc.changed
		fc.mu.Unlock()

		select {
		case <-changed:
		case <-done:
			return errors.WithStack(ErrCancelled)
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
}

// Available returns the credit that may be consumed without waiting.
func (fc *FlowController) Available() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.available
}

// Requested returns the total credit granted so far, including the initial credit.
func (fc *FlowController) Requested() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.requested
}

// Produced returns the credit consumed so far.
func (fc *FlowController) Produced() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.produced
}
