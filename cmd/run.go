package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/sink/influx"
	"github.com/celerway/mqttload/sink/kafka"
	"github.com/celerway/mqttload/worker"
	"github.com/celerway/mqttload/worker/observability"
)

const (
	obsChannelSize = 1000
	eventQueueSize = 10000
)

// run wires the harness, the workers and the sinks together and blocks until the load test is over.
// Shutdown happens in dependency order: workers, event bus, sinks, stats, observability.
func run(ctx context.Context, cfg config) error {
	logger := log.New("mqttload", cfg.logLevel)
	runId := uuid.NewString()
	logger.Infof("Run %s: %d users against %s:%d", runId, cfg.users, cfg.worker.MqttBroker, cfg.worker.MqttPort)

	obsCh := observability.GetChannel(obsChannelSize)
	obs := observability.Initialize(observability.Params{
		Channel:    obsCh,
		HealthPort: cfg.healthPort,
		LogLevel:   cfg.logLevel,
	})
	obsCtx, obsCancel := context.WithCancel(context.Background())
	defer obsCancel()
	var obsWg sync.WaitGroup
	obsWg.Add(1)
	go func() {
		defer obsWg.Done()
		obs.Run(obsCtx)
	}()

	stats := harness.NewStats(log.New("stats", cfg.logLevel))
	bus := harness.NewEventBus(eventQueueSize, log.New("events", cfg.logLevel), stats, obs)

	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	var sinkWg sync.WaitGroup
	if cfg.kafka.Broker != "" {
		kp := cfg.kafka
		kp.RunId = runId
		kp.ObsChannel = obsCh
		k := kafka.Initialize(kp)
		bus.AddListener(k)
		sinkWg.Add(1)
		go func() {
			defer sinkWg.Done()
			if err := k.Run(sinkCtx); err != nil {
				logger.Errorf("Kafka sink stopped: %s", err)
			}
		}()
	}
	var influxSink *influx.Sink
	if cfg.influx.Url != "" {
		ip := cfg.influx
		ip.RunId = runId
		ip.ObsChannel = obsCh
		var err error
		influxSink, err = influx.Connect(ctx, ip)
		if err != nil {
			sinkCancel()
			sinkWg.Wait()
			obsCancel()
			obsWg.Wait()
			return fmt.Errorf("influx sink: %w", err)
		}
		bus.AddListener(influxSink)
	}

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	var busWg sync.WaitGroup
	busWg.Add(2)
	go func() {
		defer busWg.Done()
		bus.Run(busCtx)
	}()
	go func() {
		defer busWg.Done()
		stats.RunReporter(busCtx, cfg.statsInterval)
	}()

	runner := harness.Runner{
		Users:     cfg.users,
		SpawnRate: cfg.spawnRate,
		WaitTime:  cfg.waitTime,
		RunTime:   cfg.runTime,
		Factory: func(user int) (harness.User, error) {
			p := cfg.worker
			p.User = user
			p.Events = bus
			p.ObsChannel = obsCh
			p.LogLevel = cfg.logLevel
			w, err := worker.New(p)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		Spawned: obs.Ready,
		Logger:  log.New("runner", cfg.logLevel),
	}
	runErr := runner.Run(ctx)

	busCancel()
	busWg.Wait()
	sinkCancel()
	sinkWg.Wait()
	if influxSink != nil {
		influxSink.Close()
	}
	stats.Report()
	if dropped := bus.Dropped(); dropped > 0 {
		logger.Warnf("%d events were dropped because the event queue was full", dropped)
	}
	obsCancel()
	obsWg.Wait()
	return runErr
}
