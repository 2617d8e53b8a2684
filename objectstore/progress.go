package objectstore

// Status describes the lifecycle of a download job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Job identifies one in-flight remote fetch. Jobs are ephemeral: created
// when a fetch starts, discarded when it terminates, never persisted.
type Job struct {
	ID         string
	Filename   string
	BytesTotal int64 // -1 when the remote does not report a length
	BytesDone  int64
	Status     Status
}

// ProgressEvent is pushed to the host's progress sink at coarse
// granularity: one 0% event at start, one event every few percent, and
// exactly one terminal complete or failed event.
type ProgressEvent struct {
	JobID      string
	Filename   string
	Percent    int // -1 when the total size is unknown
	BytesDone  int64
	BytesTotal int64
	Status     Status
	Err        error // set only on failed events
}

// ProgressSink receives progress events. Implementations must not block:
// delivery happens on the downloading goroutine.
type ProgressSink interface {
	Publish(ev ProgressEvent)
}

// ChannelSink delivers progress events over a buffered channel, dropping
// events when the receiver lags. In cooperative single-threaded hosts a
// shared-state flag is not guaranteed to be observed until the blocking
// call returns; an explicit channel is.
type ChannelSink struct {
	ch chan ProgressEvent
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan ProgressEvent, buffer)}
}

// Publish implements ProgressSink. Events are dropped rather than blocking
// the download when the buffer is full.
func (s *ChannelSink) Publish(ev ProgressEvent) {
	select {
	case s.ch <- ev:
	default:
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan ProgressEvent {
	return s.ch
}

var _ ProgressSink = (*ChannelSink)(nil)
