// Package telemetry receives per-window planning and execution statistics.
// The core only emits WindowStats; formatting and persistence belong to the
// sink implementations.
package telemetry

import (
	"github.com/sirupsen/logrus"
)

// WindowStats is the per-window record the core emits to its sink.
type WindowStats struct {
	Window     int
	PlanID     string
	Ops        int
	AbortedOps int
	MissedOps  int
	TotalBytes int64
	AvgIOBytes float64
	MeanFanout float64
	MaxFanout  int
	Timeliness float64
	Evictions  int

	FilteredLowScore int
	RejectedCredits  int
	DeferredCapacity int
	DroppedExhausted int

	AdmittedBytesByTenant map[string]int64
	RejectedBytesByTenant map[string]int64

	StreamUtilization map[string]float64
}

// Sink consumes window records.
type Sink interface {
	ObserveWindow(stats WindowStats)
}

// LogSink prints a one-line window summary through logrus.
type LogSink struct{}

func (LogSink) ObserveWindow(s WindowStats) {
	logrus.WithFields(logrus.Fields{
		"window":     s.Window,
		"ops":        s.Ops,
		"aborted":    s.AbortedOps,
		"missed":     s.MissedOps,
		"bytes":      s.TotalBytes,
		"avg_io":     int64(s.AvgIOBytes),
		"fanout":     s.MeanFanout,
		"timeliness": s.Timeliness,
		"evictions":  s.Evictions,
		"deferred":   s.FilteredLowScore + s.RejectedCredits + s.DeferredCapacity,
	}).Info("window complete")
}

// MultiSink fans records out to several sinks.
type MultiSink []Sink

func (m MultiSink) ObserveWindow(s WindowStats) {
	for _, sink := range m {
		sink.ObserveWindow(s)
	}
}
