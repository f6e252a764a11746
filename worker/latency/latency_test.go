package latency

import (
	"io"
	"sync"
	"testing"
	"time"

	is2 "github.com/matryer/is"
	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/worker/observability"
)

type captureEvents struct {
	mu     sync.Mutex
	events []harness.Event
}

func (c *captureEvents) Fire(e harness.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestRecord(t *testing.T) {
	is := is2.New(t)
	tests := []struct {
		name       string
		sentAt     float64
		receivedAt float64
		want       int
		clamped    bool
	}{
		{"zero", 100, 100, 0, false},
		{"rounds down", 100, 100.0124, 12, false},
		{"rounds up", 100, 100.0126, 13, false},
		{"seconds", 1700000000.0, 1700000002.5, 2500, false},
		{"skew", 100.5, 100.0, 0, true},
		{"tiny skew", 100.0001, 100.0, 0, true},
	}
	for _, tt := range tests {
		s := Record(tt.sentAt, tt.receivedAt, "load/test")
		is.Equal(s.ElapsedMillis, tt.want)
		is.Equal(s.Clamped, tt.clamped)
		is.True(s.Success)
		is.Equal(s.Name, "publish-task")
		is.Equal(s.RequestType, "task")
	}
}

func TestRecorder_Report(t *testing.T) {
	is := is2.New(t)
	events := &captureEvents{}
	obs := make(observability.Channel, 10)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := NewRecorder(events, 7, obs, logrus.NewEntry(logger))

	s := r.Report(1700000000.0, 1700000000.042, "load/test")
	is.Equal(s.ElapsedMillis, 42)
	is.Equal(len(obs), 0) // nothing clamped

	s = r.Report(1700000001.0, 1700000000.0, "load/test")
	is.True(s.Clamped)
	is.Equal(len(obs), 1)
	is.Equal(<-obs, observability.LatencyClamped)

	is.Equal(len(events.events), 2)
	e := events.events[0]
	is.Equal(e.RequestType, "task")
	is.Equal(e.Name, "publish-task")
	is.Equal(e.ResponseTimeMillis, 42)
	is.Equal(e.ResponseLength, 0)
	is.Equal(e.User, 7)
	is.True(e.Success)
	is.True(e.Time.Sub(time.Unix(1700000000, 42e6)).Abs() < time.Millisecond) // stamped with the receive time
	is.Equal(events.events[1].ResponseTimeMillis, 0)
}
