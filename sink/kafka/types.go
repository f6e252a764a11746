// Package kafka ships every harness event to a Kafka topic as a JSON record, batched.
package kafka

import (
	"sync/atomic"
	"time"

	gokafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/worker/observability"
)

type Params struct {
	Broker        string
	Port          int
	Topic         string
	RunId         string
	BatchSize     int
	MaxBatchSize  int
	Interval      time.Duration
	RetryInterval time.Duration
	QueueSize     int
	ObsChannel    observability.Channel
	LogLevel      log.LogLevel
}

// Record is what ends up on the topic, one per event.
type Record struct {
	RunId          string    `json:"run_id"`
	User           int       `json:"user"`
	RequestType    string    `json:"request_type"`
	Name           string    `json:"name"`
	ResponseTimeMs int       `json:"response_time_ms"`
	ResponseLength int       `json:"response_length"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

type buffer struct {
	C                    chan harness.Event
	runId                string
	topic                string
	buffer               []gokafka.Message
	batchSize            int
	maxBatchSize         int
	interval             time.Duration
	failureState         bool
	failureRetryInterval time.Duration
	lastSendAttempt      time.Time
	failures             int
	writer               KafkaWriter
	kafkaTimeout         time.Duration
	obsChannel           observability.Channel
	stopped              atomic.Bool
	dropped              atomic.Uint64
	logger               *logrus.Entry
}
