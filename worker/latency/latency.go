// Package latency turns an echoed message into a latency sample for the harness.
package latency

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/worker/message"
	"github.com/celerway/mqttload/worker/observability"
)

// All samples are reported under the same request type and name so the harness aggregates
// every worker into one set of percentiles.
const (
	RequestType = "task"
	Name        = "publish-task"
)

type Sample struct {
	RequestType   string
	Name          string
	Topic         string
	ElapsedMillis int
	Success       bool
	Clamped       bool // receive time was before send time
}

// Record computes the round trip in whole milliseconds. Both times are epoch seconds.
func Record(sentAt, receivedAt float64, topic string) Sample {
	s := Sample{
		RequestType: RequestType,
		Name:        Name,
		Topic:       topic,
		Success:     true,
	}
	if receivedAt < sentAt {
		s.Clamped = true
		return s
	}
	s.ElapsedMillis = int(math.Round((receivedAt - sentAt) * 1000))
	return s
}

type Recorder struct {
	events     harness.Events
	user       int
	obsChannel observability.Channel
	logger     *logrus.Entry
}

func NewRecorder(events harness.Events, user int, obsChannel observability.Channel, logger *logrus.Entry) *Recorder {
	return &Recorder{
		events:     events,
		user:       user,
		obsChannel: obsChannel,
		logger:     logger,
	}
}

// Report records the sample and fires it as a success event.
func (r *Recorder) Report(sentAt, receivedAt float64, topic string) Sample {
	s := Record(sentAt, receivedAt, topic)
	if s.Clamped {
		r.obsChannel.Send(observability.LatencyClamped)
		r.logger.Warnf("%s: message received %.3f ms before it was sent, clock skew? Reporting 0 ms",
			topic, (sentAt-receivedAt)*1000)
	}
	r.events.Fire(harness.Event{
		RequestType:        s.RequestType,
		Name:               s.Name,
		ResponseTimeMillis: s.ElapsedMillis,
		ResponseLength:     0,
		Success:            true,
		Time:               message.Timestamp(receivedAt).Time(),
		User:               r.user,
	})
	r.logger.Debugf("%s | Latency: %d", topic, s.ElapsedMillis)
	return s
}
