package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/log"
)

type Channel chan StatusMessage

// Send never blocks. Status updates are dropped if nobody keeps up with the channel.
func (c Channel) Send(msg StatusMessage) {
	if c == nil {
		return
	}
	select {
	case c <- msg:
	default:
	}
}

type StatusMessage int

const (
	MqttPublished StatusMessage = iota
	MqttPublishError
	MqttNotConnected
	MqttReceived
	MqttError
	MqttConnectError
	MqttConnectionLost
	WorkerReady
	WorkerNotReady
	LatencyClamped
	ExportSent
	ExportError
)

func (d StatusMessage) String() string {
	if d < MqttPublished || d > ExportError {
		return "Unknown"
	}
	return [...]string{"MqttPublished", "MqttPublishError", "MqttNotConnected", "MqttReceived", "MqttError",
		"MqttConnectError", "MqttConnectionLost", "WorkerReady", "WorkerNotReady", "LatencyClamped",
		"ExportSent", "ExportError"}[d]
}

type Params struct {
	Channel    Channel
	HealthPort int
	LogLevel   log.LogLevel
}

type observability struct {
	channel          Channel
	mqttPublished    prometheus.Counter
	mqttPublishErr   prometheus.Counter
	mqttNotConnected prometheus.Counter
	mqttReceived     prometheus.Counter
	mqttErrors       prometheus.Counter
	mqttConnectErr   prometheus.Counter
	mqttLost         prometheus.Counter
	workersReady     prometheus.Gauge
	latencyClamped   prometheus.Counter
	exportSent       prometheus.Counter
	exportErrors     prometheus.Counter
	echoLatency      prometheus.Histogram
	logger           *logrus.Entry
	ready            atomic.Bool
	healthPort       int
	promReg          *prometheus.Registry
}
