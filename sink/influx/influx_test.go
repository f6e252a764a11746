package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	is2 "github.com/matryer/is"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/worker/observability"
)

type fakeInflux struct {
	mu    sync.Mutex
	lines []string
	query string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.query = r.URL.RawQuery
		for _, l := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if l != "" {
				f.lines = append(f.lines, l)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testEvent(user int) harness.Event {
	return harness.Event{
		RequestType:        "task",
		Name:               "publish-task",
		ResponseTimeMillis: 42,
		Success:            true,
		Time:               time.UnixMilli(1700000000123),
		User:               user,
	}
}

func TestPointFromEvent(t *testing.T) {
	is := is2.New(t)
	p := pointFromEvent("run-1", testEvent(3))
	line := write.PointToLineProtocol(p, time.Millisecond)
	is.Equal(strings.TrimSpace(line),
		"latency,name=publish-task,request_type=task,run_id=run-1,success=true elapsed_ms=42i,response_length=0i,user=3i 1700000000123")
}

func TestSink(t *testing.T) {
	is := is2.New(t)
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	obs := make(observability.Channel, 10)
	sink, err := Connect(context.Background(), Params{
		Url:        srv.URL,
		Token:      "token",
		Org:        "org",
		Bucket:     "loadtest",
		RunId:      "run-1",
		ObsChannel: obs,
		LogLevel:   log.ErrorLevel,
	})
	is.NoErr(err)
	for i := 0; i < 3; i++ {
		sink.OnEvent(testEvent(i))
	}
	sink.Close()
	sink.Close()
	lines := fake.Lines()
	is.Equal(len(lines), 3)
	is.True(strings.HasPrefix(lines[0], "latency,"))
	is.True(strings.Contains(lines[2], "user=2i"))
	is.True(strings.Contains(fake.query, "bucket=loadtest"))
	is.Equal(len(obs), 3)
}

func TestConnectFails(t *testing.T) {
	is := is2.New(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := Connect(context.Background(), Params{Url: srv.URL, LogLevel: log.ErrorLevel})
	is.True(err != nil)
}
