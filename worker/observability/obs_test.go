package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	is2 "github.com/matryer/is"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/celerway/mqttload/harness"
)

type metricsMap map[string]float64

func Test_observability_Run(t *testing.T) {
	is := is2.New(t)
	ch := make(Channel)
	obs := Initialize(Params{Channel: ch, HealthPort: 0})
	srv := httptest.NewServer(obs.Handler())
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		obs.Run(ctx)
	}()
	metrics, err := getMetrics(srv.URL)
	is.NoErr(err)
	for _, name := range []string{"mqtt_published", "mqtt_received", "mqtt_errors", "mqtt_connect_errors", "workers_ready", "export_errors"} {
		is.Equal(metrics[name], float64(0))
	}
	ch <- MqttPublished
	ch <- MqttPublished
	ch <- MqttReceived
	ch <- WorkerReady
	ch <- WorkerReady
	ch <- WorkerNotReady
	ch <- LatencyClamped
	ch <- ExportError
	is.NoErr(waitForMetric(srv.URL, "export_errors", 1))
	metrics, err = getMetrics(srv.URL)
	is.NoErr(err)
	is.Equal(metrics["mqtt_published"], float64(2))
	is.Equal(metrics["mqtt_received"], float64(1))
	is.Equal(metrics["workers_ready"], float64(1))
	is.Equal(metrics["latency_clamped"], float64(1))
	cancel()
	wg.Wait()
}

func Test_observability_Latency(t *testing.T) {
	is := is2.New(t)
	obs := Initialize(Params{})
	srv := httptest.NewServer(obs.Handler())
	defer srv.Close()
	obs.OnEvent(harness.Event{Name: "publish-task", ResponseTimeMillis: 20, Success: true})
	obs.OnEvent(harness.Event{Name: "publish-task", ResponseTimeMillis: 40, Success: true})
	obs.OnEvent(harness.Event{Name: "publish-task", Success: false})
	metrics, err := getMetrics(srv.URL)
	is.NoErr(err)
	is.Equal(metrics["echo_latency_seconds_count"], float64(2))
	is.True(metrics["echo_latency_seconds_sum"] > 0.059 && metrics["echo_latency_seconds_sum"] < 0.061)
}

func Test_observability_Healthz(t *testing.T) {
	is := is2.New(t)
	obs := Initialize(Params{})
	srv := httptest.NewServer(obs.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusLocked)
	obs.Ready()
	resp, err = http.Get(srv.URL + "/healthz")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)
}

// Kafka counts batches and InfluxDB counts points, the help text has to say so.
func Test_observability_ExportHelp(t *testing.T) {
	is := is2.New(t)
	obs := Initialize(Params{})
	srv := httptest.NewServer(obs.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	is.NoErr(err)
	defer resp.Body.Close()
	families, err := parseMF(resp.Body)
	is.NoErr(err)
	help := families["export_sent"].GetHelp()
	is.True(strings.Contains(help, "batch for Kafka"))
	is.True(strings.Contains(help, "point for InfluxDB"))
}

func TestChannel_SendDoesNotBlock(t *testing.T) {
	var nilCh Channel
	nilCh.Send(MqttPublished)
	full := make(Channel, 1)
	full.Send(MqttPublished)
	full.Send(MqttPublished) // dropped
	if len(full) != 1 {
		t.Errorf("expected one queued message, got %d", len(full))
	}
	if StatusMessage(99).String() != "Unknown" {
		t.Errorf("unexpected name for unknown status")
	}
}

func waitForMetric(url, name string, want float64) error {
	var last float64
	for start := time.Now(); time.Since(start) < 2*time.Second; time.Sleep(5 * time.Millisecond) {
		metrics, err := getMetrics(url)
		if err != nil {
			return err
		}
		last = metrics[name]
		if last == want {
			return nil
		}
	}
	return fmt.Errorf("metric %s is %f, wanted %f", name, last, want)
}

// getMetrics fetches the metrics from the /metrics endpoint and returns a map of metric name to value.
// Histograms show up as <name>_count and <name>_sum.
func getMetrics(base string) (metricsMap, error) {
	resp, err := http.Get(base + "/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	promMetrics, err := parseMF(resp.Body)
	if err != nil {
		return nil, err
	}
	metrics := make(metricsMap)
	for k, v := range promMetrics {
		m := v.Metric[0]
		switch v.GetType() {
		case dto.MetricType_GAUGE:
			metrics[k] = m.GetGauge().GetValue()
		case dto.MetricType_HISTOGRAM:
			metrics[k+"_count"] = float64(m.GetHistogram().GetSampleCount())
			metrics[k+"_sum"] = m.GetHistogram().GetSampleSum()
		default:
			metrics[k] = m.GetCounter().GetValue()
		}
	}
	return metrics, nil
}

func parseMF(reader io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(reader)
}
