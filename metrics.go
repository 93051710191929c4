// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"bytes"
	"encoding/json"
	"strings"

	metrics "github.com/rcrowley/go-metrics"
)

// Metrics is a StatsCollector and ExchangeStatsCollector that records
// into a go-metrics Registry. Only counters and gauges are used, so no
// background goroutines are started.
type Metrics struct {
	Registry     metrics.Registry
	bytesRead    metrics.Counter
	bytesWritten metrics.Counter
	muxers       metrics.Gauge
	opened       map[InteractionModel]metrics.Counter
	finished     map[ExchangeState]metrics.Counter
}

// NewMetrics registers the rmux metrics in r, or in a new Registry if r is nil.
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	m := &Metrics{
		Registry:     r,
		bytesRead:    metrics.GetOrRegisterCounter("bytes.read", r),
		bytesWritten: metrics.GetOrRegisterCounter("bytes.written", r),
		muxers:       metrics.GetOrRegisterGauge("muxers.active", r),
		opened:       make(map[InteractionModel]metrics.Counter),
		finished:     make(map[ExchangeState]metrics.Counter),
	}
	for model, text := range interactionModelTexts {
		m.opened[model] = metrics.GetOrRegisterCounter("exchanges.opened."+strings.ToLower(text), r)
	}
	for _, state := range []ExchangeState{Completed, Cancelled, Failed} {
		m.finished[state] = metrics.GetOrRegisterCounter("exchanges."+strings.ToLower(state.String()), r)
	}
	return m
}

// AddBytesRead implements StatsCollector.
func (m *Metrics) AddBytesRead(n int64) { m.bytesRead.Inc(n) }

// AddBytesWritten implements StatsCollector.
func (m *Metrics) AddBytesWritten(n int64) { m.bytesWritten.Inc(n) }

// ExchangeOpened implements ExchangeStatsCollector.
func (m *Metrics) ExchangeOpened(model InteractionModel, requester bool) {
	if c, ok := m.opened[model]; ok {
		c.Inc(1)
	}
}

// ExchangeFinished implements ExchangeStatsCollector.
func (m *Metrics) ExchangeFinished(model InteractionModel, state ExchangeState) {
	if c, ok := m.finished[state]; ok {
		c.Inc(1)
	}
}

// BytesRead returns the number of bytes read.
func (m *Metrics) BytesRead() int64 { return m.bytesRead.Count() }

// BytesWritten returns the number of bytes written.
func (m *Metrics) BytesWritten() int64 { return m.bytesWritten.Count() }

// Opened returns the number of exchanges opened with the given model.
func (m *Metrics) Opened(model InteractionModel) int64 {
	if c, ok := m.opened[model]; ok {
		return c.Count()
	}
	return 0
}

// Finished returns the number of exchanges that ended in state.
func (m *Metrics) Finished(state ExchangeState) int64 {
	if c, ok := m.finished[state]; ok {
		return c.Count()
	}
	return 0
}

func (m *Metrics) setMuxers(n int) { m.muxers.Update(int64(n)) }

// Snapshot returns the current values of all metrics in the Registry.
func (m *Metrics) Snapshot() (map[string]interface{}, error) {
	b := &bytes.Buffer{}
	metrics.WriteJSONOnce(m.Registry, b)
	snap := make(map[string]interface{})
	if err := json.Unmarshal(b.Bytes(), &snap); err != nil {
		return nil, err
	}
	return snap, nil
}
