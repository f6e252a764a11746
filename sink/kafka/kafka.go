package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	gokafka "github.com/segmentio/kafka-go"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/worker/observability"
)

const (
	defaultQueueSize     = 10000
	defaultBatchSize     = 100
	defaultInterval      = time.Second
	defaultRetryInterval = 10 * time.Second
	markerType           = "marker"
	markerName           = "startup"
)

func Initialize(p Params) *buffer {
	brokerAddr := gokafka.TCP(p.Broker + ":" + strconv.FormatInt(int64(p.Port), 10))
	writer := &gokafka.Writer{
		Addr:         brokerAddr,
		Topic:        p.Topic,
		Balancer:     &gokafka.LeastBytes{},
		MaxAttempts:  10,
		BatchSize:    1,
		BatchTimeout: time.Millisecond * 20, // the buffer does the batching, write right away
		RequiredAcks: gokafka.RequireAll,
		Async:        false,
		ErrorLogger:  log.New("kafka-internal", p.LogLevel),
	}
	return newBuffer(p, writer)
}

func newBuffer(p Params, writer KafkaWriter) *buffer {
	if p.QueueSize <= 0 {
		p.QueueSize = defaultQueueSize
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.Interval <= 0 {
		p.Interval = defaultInterval
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = defaultRetryInterval
	}
	if p.MaxBatchSize < p.BatchSize {
		p.MaxBatchSize = p.BatchSize
	}
	return &buffer{
		C:                    make(chan harness.Event, p.QueueSize),
		runId:                p.RunId,
		topic:                p.Topic,
		batchSize:            p.BatchSize,
		maxBatchSize:         p.MaxBatchSize,
		interval:             p.Interval,
		failureRetryInterval: p.RetryInterval,
		buffer:               make([]gokafka.Message, 0, p.BatchSize), // room for a full batch
		writer:               writer,
		kafkaTimeout:         time.Second * 10,
		obsChannel:           p.ObsChannel,
		logger:               log.New("kafka", p.LogLevel),
	}
}

// OnEvent hands the event over to Run. It never blocks the event bus, when the queue is full
// the event is dropped. Once Run has returned events are ignored.
func (k *buffer) OnEvent(e harness.Event) {
	if k.stopped.Load() {
		return
	}
	select {
	case k.C <- e:
	default:
		k.obsChannel.Send(observability.ExportError)
		if dropped := k.dropped.Add(1); dropped%1000 == 1 {
			k.logger.Warnf("Queue full, %d events dropped so far", dropped)
		}
	}
}

// Run writes a startup marker and then batches events until ctx is cancelled. If the marker
// can't be written Kafka is considered unusable and Run returns right away.
func (k *buffer) Run(ctx context.Context) error {
	defer k.stopped.Store(true)
	err := k.sendStartMarker()
	if err != nil {
		k.stopped.Store(true)
		for len(k.C) > 0 {
			<-k.C
		}
		return fmt.Errorf("failed to send startup marker: %w", err)
	}
	ticker := time.NewTicker(k.interval)
	k.logger.Infof("Kafka sink started with write interval %v and batch size %d", k.interval, k.batchSize)
loop:
	for {
		select {
		case <-ctx.Done():
			k.logger.Debug("context cancelled")
			break loop
		case <-ticker.C:
			if time.Since(k.lastSendAttempt) > k.interval {
				k.Send(false)
			}
		case e := <-k.C:
			k.Enqueue(e)
		}
	}
	ticker.Stop()
	for len(k.C) > 0 {
		k.Enqueue(<-k.C)
	}
	k.logger.Info("Final flush of the buffer")
	k.Send(true)
	return nil
}

// Enqueue adds an event to the buffer and sends once a batch is full.
func (k *buffer) Enqueue(e harness.Event) {
	m, err := k.toMessage(e)
	if err != nil {
		k.logger.Errorf("marshal event: %s", err)
		return
	}
	k.buffer = append(k.buffer, m)
	if len(k.buffer) >= k.batchSize {
		if k.failureState {
			// no flush while failing, the ticker retries
			return
		}
		k.logger.Debugf("Triggering flush (buffer is %d, batchSize is %d)", len(k.buffer), k.batchSize)
		k.Send(false)
		return
	}
	k.logger.Tracef("current buffer contains %d messages", len(k.buffer))
}

// Send writes everything in the buffer. When failing it only retries once the retry interval has
// passed, unless forced.
func (k *buffer) Send(force bool) {
	if len(k.buffer) == 0 {
		return
	}
	if k.failureState && time.Since(k.lastSendAttempt) < k.failureRetryInterval && !force {
		k.logger.Tracef("In a failed state. Not time to retry yet (%v since last attempt)", time.Since(k.lastSendAttempt))
		return
	}
	defer k.updateLastSendAttempt() // even if we fail
	var err error
	start := time.Now()
	msgs := len(k.buffer)
	if msgs <= k.maxBatchSize {
		err = k.sendAll()
	} else {
		err = k.sendBatched()
	}
	if err != nil {
		k.failures++
		k.logger.Warnf("Send: %s (buffered msgs: %d time taken: %v, failures: %d)",
			err, msgs, time.Since(start), k.failures)
		k.failureState = true
		return
	}
	k.logger.Debugf("Send: Wrote %d messages in %v", msgs, time.Since(start))
	k.failureState = false
}

func (k *buffer) sendAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), k.kafkaTimeout)
	defer cancel()
	err := k.writer.WriteMessages(ctx, k.buffer...)
	if err != nil {
		k.obsChannel.Send(observability.ExportError)
		return err
	}
	k.obsChannel.Send(observability.ExportSent)
	k.buffer = k.buffer[:0]
	return nil
}

// sendBatched writes maxBatchSize messages at a time. What was written stays written if a later
// batch fails.
func (k *buffer) sendBatched() error {
	batches := len(k.buffer)/k.maxBatchSize + 1
	ctx, cancel := context.WithTimeout(context.Background(), k.kafkaTimeout*time.Duration(batches))
	defer cancel()
	for batch := 1; len(k.buffer) > 0; batch++ {
		n := k.maxBatchSize
		if len(k.buffer) < n {
			n = len(k.buffer)
		}
		err := k.writer.WriteMessages(ctx, k.buffer[:n]...)
		if err != nil {
			k.obsChannel.Send(observability.ExportError)
			return fmt.Errorf("batch %d: %w", batch, err)
		}
		k.buffer = k.buffer[n:]
		k.obsChannel.Send(observability.ExportSent)
	}
	k.buffer = make([]gokafka.Message, 0, k.batchSize)
	return nil
}

// sendStartMarker writes a record with request type "marker". Consumers should skip these.
func (k *buffer) sendStartMarker() error {
	ctx, cancel := context.WithTimeout(context.Background(), k.kafkaTimeout)
	defer cancel()
	m, err := k.toMessage(harness.Event{RequestType: markerType, Name: markerName, Success: true, Time: time.Now()})
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, m)
	if err != nil {
		return fmt.Errorf("topic '%s': %w", k.topic, err)
	}
	return nil
}

func (k *buffer) toMessage(e harness.Event) (gokafka.Message, error) {
	rec := Record{
		RunId:          k.runId,
		User:           e.User,
		RequestType:    e.RequestType,
		Name:           e.Name,
		ResponseTimeMs: e.ResponseTimeMillis,
		ResponseLength: e.ResponseLength,
		Success:        e.Success,
		Time:           e.Time,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return gokafka.Message{}, err
	}
	return gokafka.Message{Key: []byte(k.runId), Value: value}, nil
}

func (k *buffer) updateLastSendAttempt() {
	k.lastSendAttempt = time.Now()
}
