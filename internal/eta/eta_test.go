package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-tracker/internal/models"
)

var (
	timesSquare  = models.Coord{Lat: 40.7128, Lng: -74.0060}
	centralPark  = models.Coord{Lat: 40.7580, Lng: -73.9855}
	errNoRouting = errors.New("no routing")
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineMeters(timesSquare, timesSquare); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	d := HaversineMeters(timesSquare, centralPark)
	if math.Abs(d-5310) > 100 {
		t.Fatalf("expected ~5.3km, got %f", d)
	}
}

func TestEstimateSecondsDefaultSpeed(t *testing.T) {
	d := HaversineMeters(timesSquare, centralPark)
	if got := EstimateSeconds(timesSquare, centralPark, 0); math.Abs(got-d/DefaultSpeedMps) > 1e-9 {
		t.Fatalf("got %f", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.Set(timesSquare, centralPark, 42)
	if v, ok := c.Get(timesSquare, centralPark); !ok || v != 42 {
		t.Fatalf("expected hit")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(timesSquare, centralPark); ok {
		t.Fatalf("expected expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted")
	}
}

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimatorUsesCache(t *testing.T) {
	client := &stubClient{v: 100.1}
	e := &Estimator{Client: client, Cache: NewCache(time.Minute)}
	for i := 0; i < 3; i++ {
		secs, routed := e.Seconds(context.Background(), timesSquare, centralPark)
		if secs != 101 || !routed {
			t.Fatalf("got %d routed=%v", secs, routed)
		}
	}
	if client.calls != 1 {
		t.Fatalf("routing called %d times", client.calls)
	}
}

func TestEstimatorFallsBack(t *testing.T) {
	e := &Estimator{Client: &stubClient{err: errNoRouting}, SpeedMps: 10}
	secs, routed := e.Seconds(context.Background(), timesSquare, centralPark)
	if routed {
		t.Fatalf("should not report routed")
	}
	want := int(math.Ceil(HaversineMeters(timesSquare, centralPark) / 10))
	if secs != want {
		t.Fatalf("got %d want %d", secs, want)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/-74.006000,40.712800;") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":312.5}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), timesSquare, centralPark)
	if err != nil || got != 312.5 {
		t.Fatalf("got %f %v", got, err)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), timesSquare, centralPark); err == nil {
		t.Fatalf("expected error")
	}
}
