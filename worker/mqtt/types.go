package mqtt

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/worker/message"
	"github.com/celerway/mqttload/worker/observability"
)

const (
	defaultKeepAlive      = 120 * time.Second
	defaultConnectTimeout = 10 * time.Second
	eventBufferSize       = 1000
	disconnectQuiesce     = 250 // ms
	subscribeQos          = 1
)

type Params struct {
	Broker         string
	Port           int
	ClientId       string
	Tls            bool
	TlsConfig      *tls.Config
	Topic          string
	Listener       bool // subscribe to Topic once connected
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Channel        MessageChannel
	StateChannel   StateChannel
	ObsChannel     observability.Channel
	LogLevel       log.LogLevel
	Now            func() time.Time
}

type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (s ConnectionState) String() string {
	if s < Disconnected || s > Failed {
		return "Unknown"
	}
	return [...]string{"Disconnected", "Connecting", "Connected", "Failed"}[s]
}

// ChannelMessage is a decoded message received on the subscribed topic.
type ChannelMessage struct {
	Topic      string
	Message    message.Message
	ReceivedAt time.Time
}

type MessageChannel chan ChannelMessage

// StateChange is sent whenever the event loop moves the connection between Connected and Failed.
type StateChange struct {
	State ConnectionState
	Err   error
}

type StateChannel chan StateChange

type eventKind int

const (
	eventConnected eventKind = iota
	eventConnectionLost
	eventMessage
)

type event struct {
	kind       eventKind
	err        error
	topic      string
	payload    []byte
	receivedAt time.Time
}

type Client struct {
	paho           paho.Client
	broker         string
	topic          string
	listener       bool
	connectTimeout time.Duration
	ch             MessageChannel
	stateCh        StateChannel
	obsChannel     observability.Channel
	logger         *logrus.Entry
	now            func() time.Time

	state       atomic.Int32
	events      chan event
	established chan error
	closed      chan struct{}
	closeOnce   sync.Once
	connectMu   sync.Mutex
	loopOnce    sync.Once
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
}
