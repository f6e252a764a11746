//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	is2 "github.com/matryer/is"
	gokafka "github.com/segmentio/kafka-go"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/integration"
	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/sink/kafka"
	"github.com/celerway/mqttload/worker"
)

// Set to start mosquitto and redpanda from the test. Otherwise they are expected to be running.
const startServices = false

const (
	users     = 3
	waitTime  = 50 * time.Millisecond
	kafkaPort = 9092
)

func TestMain(m *testing.M) {
	var cancel context.CancelFunc
	if startServices {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		fmt.Println("Starting MQTT")
		startMqtt(ctx)
		fmt.Println("Starting Kafka")
		startKafka(ctx)
		time.Sleep(5 * time.Second)
	}
	ret := m.Run()
	if cancel != nil {
		fmt.Println("Stopping services")
		cancel()
	}
	os.Exit(ret)
}

// Run a few users against mosquitto through the proxy and check that every result reaches Kafka.
func TestBasic(t *testing.T) {
	is := is2.New(t)
	topic := "mqttload-" + getRandomString(12)
	kafkaTopic(t, "create", topic)
	defer kafkaTopic(t, "delete", topic)
	proxy, err := integration.NewProxy("localhost:" + strconv.Itoa(mqttPort()))
	is.NoErr(err)
	defer proxy.Close()

	runId, events := runLoad(t, proxy.Port(), topic, 2*time.Second, nil)
	is.True(events > 0)
	records := readRecords(t, topic, events)
	for _, rec := range records {
		is.Equal(rec.RunId, runId)
		is.Equal(rec.RequestType, "task")
		is.Equal(rec.Name, "publish-task")
		is.Equal(rec.ResponseLength, 0)
		is.True(rec.Success)
	}
}

// Cut every MQTT connection in the middle of the run. The workers reconnect and keep producing results.
func TestMqttFailure(t *testing.T) {
	is := is2.New(t)
	topic := "mqttload-" + getRandomString(12)
	kafkaTopic(t, "create", topic)
	defer kafkaTopic(t, "delete", topic)
	proxy, err := integration.NewProxy("localhost:" + strconv.Itoa(mqttPort()))
	is.NoErr(err)
	defer proxy.Close()

	var before int
	_, events := runLoad(t, proxy.Port(), topic, 6*time.Second, func(fired func() int) {
		time.Sleep(2 * time.Second)
		before = fired()
		proxy.Reset()
	})
	is.True(before > 0)
	is.True(events > before) // results after the reset means the workers came back
	readRecords(t, topic, events)
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) OnEvent(harness.Event) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// runLoad runs the harness with a Kafka sink for runTime and returns the run id and the number
// of events fired. during, if set, runs alongside the load.
func runLoad(t *testing.T, port int, topic string, runTime time.Duration, during func(fired func() int)) (string, int) {
	t.Helper()
	runId := getRandomString(8)
	logger := log.New("integration", log.DebugLevel)
	count := &counter{}
	sink := kafka.Initialize(kafka.Params{
		Broker:   "localhost",
		Port:     kafkaPort,
		Topic:    topic,
		RunId:    runId,
		Interval: 100 * time.Millisecond,
		LogLevel: log.DebugLevel,
	})
	bus := harness.NewEventBus(1000, logger, count, sink)
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	busCtx, busCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sink.Run(sinkCtx); err != nil {
			t.Errorf("kafka sink: %s", err)
		}
	}()
	var busWg sync.WaitGroup
	busWg.Add(1)
	go func() {
		defer busWg.Done()
		bus.Run(busCtx)
	}()
	if during != nil {
		go during(count.get)
	}
	runner := harness.Runner{
		Users:    users,
		WaitTime: waitTime,
		RunTime:  runTime,
		Factory: func(user int) (harness.User, error) {
			reconnect := worker.DefaultReconnect()
			reconnect.InitialInterval = 100 * time.Millisecond
			w, err := worker.New(worker.Params{
				MqttBroker: "localhost",
				MqttPort:   port,
				Topic:      topic,
				Qos:        1,
				Reconnect:  reconnect,
				User:       user,
				Events:     bus,
				LogLevel:   log.DebugLevel,
			})
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		Logger: logger,
	}
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("runner: %s", err)
	}
	busCancel()
	busWg.Wait()
	sinkCancel()
	wg.Wait()
	return runId, count.get()
}

// readRecords reads n records after the start marker and returns them.
func readRecords(t *testing.T, topic string, n int) []kafka.Record {
	t.Helper()
	r := gokafka.NewReader(gokafka.ReaderConfig{
		Brokers: []string{fmt.Sprintf("localhost:%d", kafkaPort)},
		Topic:   topic,
	})
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	records := make([]kafka.Record, 0, n)
	for len(records) < n {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			t.Fatalf("reading kafka record %d of %d: %s", len(records), n, err)
		}
		var rec kafka.Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			t.Fatalf("kafka record: %s", err)
		}
		if rec.RequestType == "marker" {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func mqttPort() int {
	if p, err := strconv.Atoi(os.Getenv("MQTT_PORT")); err == nil {
		return p
	}
	return 1883
}

func startMqtt(ctx context.Context) {
	go func() {
		err := exec.CommandContext(ctx, "/usr/sbin/mosquitto").Run()
		if err != nil {
			fmt.Println("Error starting MQTT", err)
		}
	}()
}

func startKafka(ctx context.Context) {
	go func() {
		err := exec.CommandContext(ctx, "/usr/bin/rpk", "redpanda", "start").Run()
		if err != nil {
			fmt.Println("Error starting Kafka", err)
		}
	}()
}

func getRandomString(length int) string {
	var letters = []rune("0123456789abcdefghijklmnopqrstuvwxyz")
	b := make([]rune, length)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func kafkaTopic(t *testing.T, action, topic string) {
	cmd := exec.Command("rpk", "topic", action, topic)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Errorf("Kafka topic (%s) stdout: %s stderr: %s err: %s", action, stdout.String(), stderr.String(), err)
	}
}
