package hub

import "sync/atomic"

type MetricsSnapshot struct {
	MessagesSent       int64 `json:"messages_sent"`
	MessagesRecv       int64 `json:"messages_recv"`
	MessagesBuffered   int64 `json:"messages_buffered"`
	MessagesDropped    int64 `json:"messages_dropped"`
	SendFailures       int64 `json:"send_failures"`
	ParticipantsOnline int   `json:"participants_online"`
	ParticipantsReady  int   `json:"participants_ready"`
	Hubs               int   `json:"hubs"`
	FunctionsRetained  int   `json:"functions_retained"`
}

type Metrics struct {
	messagesSent     atomic.Int64
	messagesRecv     atomic.Int64
	messagesBuffered atomic.Int64
	messagesDropped  atomic.Int64
	sendFailures     atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordMessageSent(delta int) {
	m.messagesSent.Add(int64(delta))
}

func (m *Metrics) RecordMessageRecv(delta int) {
	m.messagesRecv.Add(int64(delta))
}

func (m *Metrics) RecordMessageBuffered(delta int) {
	m.messagesBuffered.Add(int64(delta))
}

func (m *Metrics) RecordMessageDropped(delta int) {
	m.messagesDropped.Add(int64(delta))
}

func (m *Metrics) RecordSendFailure(delta int) {
	m.sendFailures.Add(int64(delta))
}

// Snapshot returns the message counters. Participant and hub counts are
// filled in by Registry.Metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesSent:     m.messagesSent.Load(),
		MessagesRecv:     m.messagesRecv.Load(),
		MessagesBuffered: m.messagesBuffered.Load(),
		MessagesDropped:  m.messagesDropped.Load(),
		SendFailures:     m.sendFailures.Load(),
	}
}
