package client

// Metrics receives measurements from the client. service/metrics provides a
// Prometheus implementation.
type Metrics interface {
	RecordRequest(method, path string, statusCode int, duration float64)
	RecordListWait(outcome string, polls int)
	RecordStreamEvent(eventType string)
	RecordStreamCommit(err error)
	RecordStreamSourceError(kind string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRequest(string, string, int, float64) {}
func (nopMetrics) RecordListWait(string, int)                 {}
func (nopMetrics) RecordStreamEvent(string)                   {}
func (nopMetrics) RecordStreamCommit(error)                   {}
func (nopMetrics) RecordStreamSourceError(string)             {}
