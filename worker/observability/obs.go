package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/log"
)

// Run consumes status messages and serves /metrics and /healthz until the context is cancelled.
func (obs *observability) Run(ctx context.Context) {
	obs.logger.Debug("Observability worker is running")
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-obs.channel:
				obs.handleChannelMessage(msg)
			}
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		obs.runHttpServer(ctx) // will return when context is cancelled.
	}()
	wg.Wait()
	obs.logger.Info("Observability worker is done")
}

func Initialize(params Params) *observability {
	reg := prometheus.NewRegistry()
	obs := observability{
		channel:    params.Channel,
		logger:     log.New("observability", params.LogLevel),
		healthPort: params.HealthPort,
		promReg:    reg,
	}
	factory := promauto.With(reg)
	obs.mqttPublished = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_published",
		Help: "Number of messages handed to the MQTT client",
	})
	obs.mqttPublishErr = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_publish_errors",
		Help: "Number of publishes that failed or timed out",
	})
	obs.mqttNotConnected = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_not_connected",
		Help: "Number of publish ticks skipped because the worker was not connected",
	})
	obs.mqttReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_received",
		Help: "Number of received MQTT messages",
	})
	obs.mqttErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_errors",
		Help: "Number of erroneous or dropped MQTT messages",
	})
	obs.mqttConnectErr = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connect_errors",
		Help: "Number of failed connection attempts",
	})
	obs.mqttLost = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connection_lost",
		Help: "Number of established connections that were lost",
	})
	obs.workersReady = factory.NewGauge(prometheus.GaugeOpts{
		Name: "workers_ready",
		Help: "Number of workers currently connected",
	})
	obs.latencyClamped = factory.NewCounter(prometheus.CounterOpts{
		Name: "latency_clamped",
		Help: "Number of latency samples clamped to zero because of clock skew",
	})
	obs.exportSent = factory.NewCounter(prometheus.CounterOpts{
		Name: "export_sent",
		Help: "Number of writes accepted by an export sink, a batch for Kafka and a point for InfluxDB",
	})
	obs.exportErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "export_errors",
		Help: "No of errors encountered writing to an export sink",
	})
	obs.echoLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "echo_latency_seconds",
		Help:    "Round trip time from publish to echo",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})
	return &obs
}

// Handler returns the router serving /metrics and /healthz.
func (obs *observability) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.Handle("/metrics", promhttp.HandlerFor(obs.promReg, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", obs.HealthzHandler)
	return router
}

// runHttpServer starts the http server that serves the healthz and metrics endpoints.
// It blocks until the context is cancelled.
func (obs *observability) runHttpServer(ctx context.Context) {
	listenPort := fmt.Sprintf(":%d", obs.healthPort)
	obs.logger.Infof("Observability service attempting to listen to port %s", listenPort)
	srv := &http.Server{
		Addr:              listenPort,
		Handler:           obs.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			obs.logger.Errorf("Observability service: %s", err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.logger.Errorf("Observability service shutdown error: %s", err)
	}
	wg.Wait()
}

func (obs *observability) handleChannelMessage(msg StatusMessage) {
	obs.logger.Tracef("Observability received %s", msg)

	switch msg {
	case MqttPublished:
		obs.mqttPublished.Inc()
	case MqttPublishError:
		obs.mqttPublishErr.Inc()
	case MqttNotConnected:
		obs.mqttNotConnected.Inc()
	case MqttReceived:
		obs.mqttReceived.Inc()
	case MqttError:
		obs.mqttErrors.Inc()
	case MqttConnectError:
		obs.mqttConnectErr.Inc()
	case MqttConnectionLost:
		obs.mqttLost.Inc()
	case WorkerReady:
		obs.workersReady.Inc()
	case WorkerNotReady:
		obs.workersReady.Dec()
	case LatencyClamped:
		obs.latencyClamped.Inc()
	case ExportSent:
		obs.exportSent.Inc()
	case ExportError:
		obs.exportErrors.Inc()
	default:
		obs.logger.Errorf("Observability: Unknown message received: %d", msg)
	}
}

// OnEvent feeds successful echoes into the latency histogram.
func (obs *observability) OnEvent(e harness.Event) {
	if !e.Success {
		return
	}
	obs.echoLatency.Observe(float64(e.ResponseTimeMillis) / 1000)
}

func GetChannel(size int) Channel {
	return make(Channel, size)
}

func (obs *observability) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	if obs.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	} else {
		w.WriteHeader(http.StatusLocked)
		_, _ = w.Write([]byte("not ready"))
	}
}

func (obs *observability) Ready() {
	obs.ready.Store(true)
}
