package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/ringbuf/pkg/pipe"
	"github.com/srediag/ringbuf/pkg/shm"
)

type MonitorTestSuite struct {
	suite.Suite
	reg *prometheus.Registry
	m   *Monitor
	r   *pipe.Reader
	w   *pipe.Writer
}

func (s *MonitorTestSuite) SetupTest() {
	s.reg = prometheus.NewRegistry()
	s.m = NewMonitor(s.reg)

	config := shm.DefaultConfig()
	config.Order = shm.MinOrder()
	config.Name = "monitored"
	var err error
	s.r, s.w, err = pipe.Open(context.Background(), config)
	s.Require().NoError(err)
}

func (s *MonitorTestSuite) TearDownTest() {
	_ = s.w.Close()
	_ = s.r.Close()
}

func (s *MonitorTestSuite) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (s *MonitorTestSuite) TestRegisterExclusive() {
	s.Require().NoError(s.m.Register("pipe", s.r))
	s.ErrorIs(s.m.Register("pipe", s.w), ErrDuplicateName)
	s.ErrorIs(s.m.Register("", s.w), ErrEmptyName)
	s.Equal(1, s.m.Len())

	s.True(s.m.Unregister("pipe"))
	s.False(s.m.Unregister("pipe"))
	s.Require().NoError(s.m.Register("pipe", s.w))
}

func (s *MonitorTestSuite) TestConcurrentRegister() {
	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.m.Register("contended", s.r) == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	s.Len(wins, 1)
}

func (s *MonitorTestSuite) TestLifecycle() {
	s.Require().NoError(s.m.Register("pipe", s.r))
	s.NoError(s.m.Live())
	s.NoError(s.m.Ready())
	s.Equal(http.StatusOK, s.get("/live").Code)
	s.Equal(http.StatusOK, s.get("/ready").Code)

	s.Require().NoError(s.w.Close())
	s.NoError(s.m.Live())
	s.Error(s.m.Ready())
	s.Equal(http.StatusOK, s.get("/live").Code)
	rec := s.get("/ready?full=1")
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Contains(rec.Body.String(), "pipe: buffer closed for writing")

	s.Require().NoError(s.r.Close())
	s.Error(s.m.Live())
	s.Equal(http.StatusServiceUnavailable, s.get("/live").Code)

	s.True(s.m.Unregister("pipe"))
	s.NoError(s.m.Live())
}

func (s *MonitorTestSuite) TestStatus() {
	s.Require().NoError(s.m.Register("pipe", s.r))
	_, err := s.w.Write([]byte("abc"))
	s.Require().NoError(err)

	rec := s.get("/status")
	s.Equal(http.StatusOK, rec.Code)
	s.True(strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))

	var got map[string]shm.Stats
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &got))
	s.Equal("monitored", got["pipe"].Name)
	s.Equal(3, got["pipe"].Buffered)
}

func (s *MonitorTestSuite) TestCheckMetrics() {
	s.Require().NoError(s.m.Register("pipe", s.r))
	s.Require().NoError(s.w.Close())

	families, err := s.reg.Gather()
	s.Require().NoError(err)
	status := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "ringbuf_healthcheck_status" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "check" {
					status[lp.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	s.Equal(float64(0), status[liveCheck])
	s.Equal(float64(1), status[readyCheck])
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}
