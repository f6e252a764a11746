package worker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/worker/latency"
	"github.com/celerway/mqttload/worker/mqtt"
	"github.com/celerway/mqttload/worker/observability"
)

const (
	DefaultMessage = "Test Message"
	clientIdPrefix = "mqttload-"
	echoBuffer     = 100
	stateBuffer    = 10
)

type Params struct {
	MqttBroker     string
	MqttPort       int
	Tls            bool
	TlsRootCrtFile string
	ClientCertFile string
	ClientKeyFile  string
	Topic          string // subscribed, and published to unless PublishTopic is set
	PublishTopic   string
	Qos            byte
	Message        string
	LoadTest       bool // requires TLS with client certificates
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Reconnect      ReconnectParams
	User           int
	Events         harness.Events
	ObsChannel     observability.Channel
	LogLevel       log.LogLevel
	Clock          func() time.Time
}

// ReconnectParams controls the exponential backoff used when the connection is down.
type ReconnectParams struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // fraction, 0.2 spreads each delay by +-20%
	MaxRetries      int     // 0 retries forever
}

func DefaultReconnect() ReconnectParams {
	return ReconnectParams{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
		MaxRetries:      10,
	}
}

type State int32

const (
	Uninitialized State = iota
	Connecting
	Ready
	Degraded
	Stopped
)

func (s State) String() string {
	if s < Uninitialized || s > Stopped {
		return "Unknown"
	}
	return [...]string{"Uninitialized", "Connecting", "Ready", "Degraded", "Stopped"}[s]
}

// Worker is one simulated device: it publishes on every task tick and reports the latency of
// every message it receives back.
type Worker struct {
	params   Params
	clientId string
	client   *mqtt.Client
	recorder *latency.Recorder
	logger   *logrus.Entry
	state    atomic.Int32
	msgCh    mqtt.MessageChannel
	stateCh  mqtt.StateChannel
	retry    chan struct{}
	rnd      *rand.Rand
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}
