// Package influx writes every harness event as a point to InfluxDB 2.x.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/worker/observability"
)

const (
	measurement      = "latency"
	pingTimeout      = 5 * time.Second
	defaultBatchSize = 500
	defaultFlushMs   = 1000
)

var ErrUnhealthy = errors.New("influxdb is not healthy")

type Params struct {
	Url        string
	Token      string
	Org        string
	Bucket     string
	RunId      string
	BatchSize  uint
	FlushMs    uint
	ObsChannel observability.Channel
	LogLevel   log.LogLevel
}

type Sink struct {
	client     influxdb2.Client
	writeAPI   api.WriteAPI
	runId      string
	obsChannel observability.Channel
	logger     *logrus.Entry
	closeOnce  sync.Once
}

// Connect pings the server before handing out a sink. Writes are batched and never block.
func Connect(ctx context.Context, p Params) (*Sink, error) {
	if p.BatchSize == 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.FlushMs == 0 {
		p.FlushMs = defaultFlushMs
	}
	client := influxdb2.NewClientWithOptions(p.Url, p.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(p.BatchSize).
			SetFlushInterval(p.FlushMs).
			SetPrecision(time.Millisecond))
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", p.Url, err)
	}
	if !healthy {
		client.Close()
		return nil, ErrUnhealthy
	}
	s := &Sink{
		client:     client,
		writeAPI:   client.WriteAPI(p.Org, p.Bucket),
		runId:      p.RunId,
		obsChannel: p.ObsChannel,
		logger:     log.New("influx", p.LogLevel),
	}
	go s.handleWriteErrors(s.writeAPI.Errors())
	s.logger.Infof("Writing to %s (org %s, bucket %s)", p.Url, p.Org, p.Bucket)
	return s, nil
}

func (s *Sink) OnEvent(e harness.Event) {
	s.writeAPI.WritePoint(pointFromEvent(s.runId, e))
	s.obsChannel.Send(observability.ExportSent)
}

// Close flushes pending points. Safe to call more than once.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.writeAPI.Flush()
		s.client.Close()
	})
}

func (s *Sink) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		s.obsChannel.Send(observability.ExportError)
		s.logger.Warnf("write failed: %s", err)
	}
}

func pointFromEvent(runId string, e harness.Event) *write.Point {
	return write.NewPoint(
		measurement,
		map[string]string{
			"run_id":       runId,
			"request_type": e.RequestType,
			"name":         e.Name,
			"success":      strconv.FormatBool(e.Success),
		},
		map[string]interface{}{
			"elapsed_ms":      e.ResponseTimeMillis,
			"response_length": e.ResponseLength,
			"user":            e.User,
		},
		e.Time,
	)
}
