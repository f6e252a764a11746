package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/worker/message"
	"github.com/celerway/mqttload/worker/observability"
)

// New sets up the client. Nothing touches the network until Connect.
func New(p Params) *Client {
	if p.KeepAlive == 0 {
		p.KeepAlive = defaultKeepAlive
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = defaultConnectTimeout
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	c := &Client{
		topic:          p.Topic,
		listener:       p.Listener,
		connectTimeout: p.ConnectTimeout,
		ch:             p.Channel,
		stateCh:        p.StateChannel,
		obsChannel:     p.ObsChannel,
		logger:         log.New(fmt.Sprintf("mqtt(%s)", p.ClientId), p.LogLevel),
		now:            p.Now,
		events:         make(chan event, eventBufferSize),
		established:    make(chan error, 1),
		closed:         make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	opts := paho.NewClientOptions()
	if p.Tls {
		opts.SetTLSConfig(p.TlsConfig)
		c.broker = fmt.Sprintf("ssl://%s:%d", p.Broker, p.Port)
	} else {
		c.broker = fmt.Sprintf("tcp://%s:%d", p.Broker, p.Port)
	}
	opts.AddBroker(c.broker)
	opts.SetClientID(p.ClientId)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(p.KeepAlive)
	opts.SetConnectTimeout(p.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(func(_ paho.Client) {
		c.pushLifecycle(event{kind: eventConnected})
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.pushLifecycle(event{kind: eventConnectionLost, err: err})
	})
	opts.SetDefaultPublishHandler(c.onMessage)
	c.paho = paho.NewClient(opts)
	c.state.Store(int32(Disconnected))
	return c
}

func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// Connect blocks until the broker has accepted the connection and, for a listener, the
// subscription is in place. Bounded by the connect timeout and ctx.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	if c.State() == Connected && c.paho.IsConnectionOpen() {
		return nil
	}
	c.startLoop()
	select {
	case <-c.established:
	default:
	}
	c.setState(Connecting)
	c.logger.Debugf("Connecting to %s", c.broker)
	token := c.paho.Connect()
	if err := waitToken(ctx, token, c.connectTimeout); err != nil {
		if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			return c.connectFailed(PhaseNetwork, err)
		}
		rc := byte(packets.ErrNetworkError)
		if ct, ok := token.(*paho.ConnectToken); ok {
			rc = ct.ReturnCode()
		}
		return c.connectFailed(classifyConnectError(rc, err), err)
	}
	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()
	select {
	case err := <-c.established:
		if err != nil {
			return c.connectFailed(PhaseProtocol, err)
		}
	case <-ctx.Done():
		return c.connectFailed(PhaseNetwork, ctx.Err())
	case <-timer.C:
		return c.connectFailed(PhaseNetwork, ErrTimeout)
	}
	c.logger.Debugf("Connected to %s", c.broker)
	return nil
}

func (c *Client) connectFailed(phase Phase, err error) error {
	c.setState(Failed)
	c.obsChannel.Send(observability.MqttConnectError)
	return &ConnectError{Phase: phase, Broker: c.broker, Err: err}
}

// Publish hands the payload to paho and returns. Delivery is watched in the background and
// failures are logged and counted.
func (c *Client) Publish(topic string, payload []byte, qos byte) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopic
	}
	if qos > 2 {
		return ErrInvalidQoS
	}
	if c.State() != Connected {
		return ErrNotConnected
	}
	token := c.paho.Publish(topic, qos, false, payload)
	go c.watchPublish(topic, token)
	c.obsChannel.Send(observability.MqttPublished)
	c.logger.Tracef("Published %d bytes to %s", len(payload), topic)
	return nil
}

// PublishMessage stamps msg with the current time right before handing it over.
func (c *Client) PublishMessage(topic string, msg message.Message, qos byte) error {
	payload, err := message.Encode(msg.Stamp(c.now()))
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.Publish(topic, payload, qos)
}

func (c *Client) watchPublish(topic string, token paho.Token) {
	var err error
	if !token.WaitTimeout(c.connectTimeout) {
		err = ErrTimeout
	} else {
		err = token.Error()
	}
	if err != nil {
		perr := &PublishError{Topic: topic, Err: err}
		c.logger.Warn(perr)
		c.obsChannel.Send(observability.MqttPublishError)
	}
}

// Disconnect can be called any number of times from anywhere. The client can't be reused afterwards.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.paho.Disconnect(disconnectQuiesce)
		c.loopOnce.Do(func() {})
		if c.loopCancel != nil {
			c.loopCancel()
			<-c.loopDone
		}
		c.setState(Disconnected)
		c.logger.Debugf("Disconnected from %s", c.broker)
	})
}

func (c *Client) startLoop() {
	c.loopOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.loopCancel = cancel
		go c.loop(ctx)
	})
}

func (c *Client) loop(ctx context.Context) {
	defer close(c.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.events:
			c.handleEvent(ctx, e)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, e event) {
	switch e.kind {
	case eventConnected:
		if c.listener {
			token := c.paho.Subscribe(c.topic, subscribeQos, c.onMessage)
			if err := waitToken(ctx, token, c.connectTimeout); err != nil {
				err = fmt.Errorf("subscribe to %s: %w", c.topic, err)
				c.logger.Error(err)
				c.setState(Failed)
				c.paho.Disconnect(0)
				c.signalEstablished(err)
				c.notify(StateChange{State: Failed, Err: err})
				return
			}
			c.logger.Debugf("Subscribed to %s", c.topic)
		}
		c.setState(Connected)
		c.signalEstablished(nil)
		c.notify(StateChange{State: Connected})
	case eventConnectionLost:
		if c.State() == Disconnected {
			return
		}
		c.setState(Failed)
		c.obsChannel.Send(observability.MqttConnectionLost)
		c.logger.Warnf("Lost connection to %s: %s", c.broker, e.err)
		c.notify(StateChange{State: Failed, Err: e.err})
	case eventMessage:
		msg, err := message.Decode(e.payload)
		if err != nil {
			c.obsChannel.Send(observability.MqttError)
			c.logger.Warnf("Could not decode message on %s: %s", e.topic, err)
			return
		}
		c.obsChannel.Send(observability.MqttReceived)
		if c.ch == nil {
			return
		}
		select {
		case c.ch <- ChannelMessage{Topic: e.topic, Message: msg, ReceivedAt: e.receivedAt}:
		case <-ctx.Done():
		}
	}
}

// onMessage runs on paho's goroutine, so it must never block.
func (c *Client) onMessage(_ paho.Client, m paho.Message) {
	e := event{
		kind:       eventMessage,
		topic:      m.Topic(),
		payload:    m.Payload(),
		receivedAt: c.now(),
	}
	select {
	case c.events <- e:
	default:
		c.obsChannel.Send(observability.MqttError)
		c.logger.Warnf("Event queue full, dropping message on %s", e.topic)
	}
}

func (c *Client) pushLifecycle(e event) {
	select {
	case c.events <- e:
	case <-c.closed:
	}
}

func (c *Client) signalEstablished(err error) {
	select {
	case c.established <- err:
	default:
	}
}

// notify never blocks. A consumer that isn't listening misses the change, State() is still correct.
func (c *Client) notify(sc StateChange) {
	if c.stateCh == nil {
		return
	}
	select {
	case c.stateCh <- sc:
	default:
	}
}

func waitToken(ctx context.Context, t paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
