// Package worker is the load-test user: one MQTT connection that publishes a timestamped message
// on every tick and turns every echo it receives into a latency sample.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/worker/latency"
	"github.com/celerway/mqttload/worker/message"
	"github.com/celerway/mqttload/worker/mqtt"
	"github.com/celerway/mqttload/worker/observability"
)

// Validate checks everything that can be checked without touching the network.
func (p Params) Validate() error {
	switch {
	case p.MqttBroker == "":
		return fmt.Errorf("%w: broker host is empty", ErrConfiguration)
	case p.Topic == "":
		return fmt.Errorf("%w: topic is empty", ErrConfiguration)
	case p.MqttPort < 1 || p.MqttPort > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrConfiguration, p.MqttPort)
	case p.Qos > 2:
		return fmt.Errorf("%w: qos %d, must be 0, 1 or 2", ErrConfiguration, p.Qos)
	case p.LoadTest && !p.Tls:
		return fmt.Errorf("%w: load test mode requires TLS", ErrConfiguration)
	case (p.Tls || p.LoadTest) && (p.TlsRootCrtFile == "" || p.ClientCertFile == "" || p.ClientKeyFile == ""):
		return fmt.Errorf("%w: CA, client certificate and client key paths are required with TLS", ErrConfiguration)
	case p.Reconnect.MaxRetries < 0:
		return fmt.Errorf("%w: max retries %d is negative", ErrConfiguration, p.Reconnect.MaxRetries)
	case p.Events == nil:
		return fmt.Errorf("%w: no event sink", ErrConfiguration)
	}
	return nil
}

func (p Params) withDefaults() Params {
	if p.PublishTopic == "" {
		p.PublishTopic = p.Topic
	}
	if p.Message == "" {
		p.Message = DefaultMessage
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	p.Reconnect = p.Reconnect.withDefaults()
	return p
}

// New validates the params and loads the certificates. Both happen before any network traffic,
// and errors from either are fatal to the run.
func New(p Params) (*Worker, error) {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var tlsConfig *tls.Config
	if p.Tls {
		var err error
		tlsConfig, err = NewTlsConfig(p.TlsRootCrtFile, p.ClientCertFile, p.ClientKeyFile)
		if err != nil {
			return nil, err
		}
	}
	w := &Worker{
		params:   p,
		clientId: clientIdPrefix + uuid.NewString(),
		logger:   log.New(fmt.Sprintf("worker(%d)", p.User), p.LogLevel),
		msgCh:    make(mqtt.MessageChannel, echoBuffer),
		stateCh:  make(mqtt.StateChannel, stateBuffer),
		retry:    make(chan struct{}, 1),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(p.User))),
	}
	w.client = mqtt.New(mqtt.Params{
		Broker:         p.MqttBroker,
		Port:           p.MqttPort,
		ClientId:       w.clientId,
		Tls:            p.Tls,
		TlsConfig:      tlsConfig,
		Topic:          p.Topic,
		Listener:       true,
		KeepAlive:      p.KeepAlive,
		ConnectTimeout: p.ConnectTimeout,
		Channel:        w.msgCh,
		StateChannel:   w.stateCh,
		ObsChannel:     p.ObsChannel,
		LogLevel:       p.LogLevel,
		Now:            p.Clock,
	})
	w.recorder = latency.NewRecorder(p.Events, p.User, p.ObsChannel, w.logger)
	w.logger.Debugf("Worker %s created for %s:%d (tls: %v)", w.clientId, p.MqttBroker, p.MqttPort, p.Tls)
	return w, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	old := State(w.state.Swap(int32(s)))
	if old == s {
		return
	}
	switch {
	case s == Ready:
		w.params.ObsChannel.Send(observability.WorkerReady)
	case old == Ready:
		w.params.ObsChannel.Send(observability.WorkerNotReady)
	}
	w.logger.Debugf("State %s -> %s", old, s)
}

// OnStart connects to the broker. A failed connect leaves the worker Degraded with the reconnect
// supervisor working on it, it is never returned as an error.
func (w *Worker) OnStart(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(2)
	go w.echoLoop(ctx)
	go w.supervise(ctx)
	w.setState(Connecting)
	if err := w.client.Connect(ctx); err != nil {
		w.connectFailed(err)
		return nil
	}
	w.setState(Ready)
	w.logger.Infof("Connected to %s:%d, subscribed to %s", w.params.MqttBroker, w.params.MqttPort, w.params.Topic)
	return nil
}

// Task is the publish tick.
func (w *Worker) Task(_ context.Context) {
	if w.State() == Ready && w.client.State() != mqtt.Connected {
		w.degrade()
	}
	if w.State() != Ready {
		w.notConnected()
		return
	}
	msg := message.New(w.params.Message)
	err := w.client.PublishMessage(w.params.PublishTopic, msg, w.params.Qos)
	switch {
	case errors.Is(err, mqtt.ErrNotConnected):
		w.degrade()
		w.notConnected()
	case err != nil:
		w.logger.Errorf("Publish to %s failed: %s", w.params.PublishTopic, err)
	default:
		w.logger.Tracef("Published to %s", w.params.PublishTopic)
	}
}

// OnStop disconnects and waits for the worker goroutines. Safe to call more than once.
func (w *Worker) OnStop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.client.Disconnect()
		w.wg.Wait()
		w.setState(Stopped)
		w.logger.Debugf("Worker %s stopped", w.clientId)
	})
}

func (w *Worker) notConnected() {
	w.params.ObsChannel.Send(observability.MqttNotConnected)
	w.logger.Infof("Attempting to connect.")
}

func (w *Worker) degrade() {
	if w.state.CompareAndSwap(int32(Ready), int32(Degraded)) {
		w.params.ObsChannel.Send(observability.WorkerNotReady)
		w.logger.Warnf("Connection to %s is down", w.params.MqttBroker)
		w.kick()
	}
}

func (w *Worker) connectFailed(err error) {
	w.setState(Degraded)
	var cerr *mqtt.ConnectError
	if errors.As(err, &cerr) {
		w.logger.Errorf("Could not connect to %s:%d (%s phase, topic %s): %s",
			w.params.MqttBroker, w.params.MqttPort, cerr.Phase, w.params.Topic, cerr.Err)
	} else {
		w.logger.Errorf("Could not connect to %s:%d: %s", w.params.MqttBroker, w.params.MqttPort, err)
	}
	w.kick()
}

func (w *Worker) kick() {
	select {
	case w.retry <- struct{}{}:
	default:
	}
}

func (w *Worker) echoLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.msgCh:
			w.recorder.Report(float64(msg.Message.Timestamp), message.EpochSeconds(msg.ReceivedAt), msg.Topic)
		}
	}
}

// supervise owns reconnecting. It reacts to connection loss reported by the client and to
// kicks from OnStart and Task.
func (w *Worker) supervise(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-w.stateCh:
			switch sc.State {
			case mqtt.Failed:
				if w.client.State() != mqtt.Failed {
					continue // stale, we have reconnected since
				}
				if w.State() == Ready {
					w.setState(Degraded)
					w.logger.Warnf("Lost connection to %s: %v", w.params.MqttBroker, sc.Err)
				}
				w.reconnect(ctx)
			case mqtt.Connected:
				if w.State() == Degraded && w.client.State() == mqtt.Connected {
					w.setState(Ready)
				}
			}
		case <-w.retry:
			w.reconnect(ctx)
		}
	}
}

func (w *Worker) reconnect(ctx context.Context) {
	if w.State() == Ready && w.client.State() == mqtt.Connected {
		return
	}
	rp := w.params.Reconnect
	for attempt := 0; rp.MaxRetries == 0 || attempt < rp.MaxRetries; attempt++ {
		d := rp.delay(attempt, w.rnd)
		w.logger.Debugf("Reconnecting to %s in %v (attempt %d)", w.params.MqttBroker, d, attempt+1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		w.setState(Connecting)
		err := w.client.Connect(ctx)
		if err == nil {
			w.setState(Ready)
			w.logger.Infof("Reconnected to %s:%d after %d attempt(s)", w.params.MqttBroker, w.params.MqttPort, attempt+1)
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.setState(Degraded)
		w.logger.Warnf("Reconnect attempt %d failed: %s", attempt+1, err)
	}
	select {
	case <-w.retry:
	default:
	}
	w.logger.Errorf("Giving up on %s:%d after %d attempts", w.params.MqttBroker, w.params.MqttPort, rp.MaxRetries)
}
