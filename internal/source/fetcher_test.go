package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracker/internal/models"
)

type fakeList struct {
	key   string
	start int64
	vals  []string
	err   error
}

func (f *fakeList) LRange(_ context.Context, key string, start, _ int64) *redis.StringSliceCmd {
	f.key, f.start = key, start
	if f.err != nil {
		return redis.NewStringSliceResult(nil, f.err)
	}
	if start > int64(len(f.vals)) {
		start = int64(len(f.vals))
	}
	return redis.NewStringSliceResult(f.vals[start:], nil)
}

func TestRedisFetcherFiltersAndDecodes(t *testing.T) {
	l := &fakeList{vals: []string{
		`{"ride_id":"r1","seq":1,"phase":"driver_assigned"}`,
		`not json`,
		`{"ride_id":"r2","seq":2,"phase":"driver_arriving"}`,
		`{"ride_id":"r1","seq":2,"phase":"driver_arriving"}`,
		`{"ride_id":"r1","seq":3,"phase":"driver_arrived"}`,
	}}
	f := NewRedisFetcher(l, nil)
	evs, next, err := f.FetchEvents(context.Background(), "r1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if l.key != "ride:events:r1" || l.start != 1 {
		t.Fatalf("key %q start %d", l.key, l.start)
	}
	if len(evs) != 2 || evs[0].Seq != 2 || evs[1].Phase != models.PhaseDriverArrived {
		t.Fatalf("got %+v", evs)
	}
	if next != 5 {
		t.Fatalf("next cursor %d, want 5", next)
	}
}

func TestRedisFetcherCursorsOnListPosition(t *testing.T) {
	l := &fakeList{vals: []string{
		`{"ride_id":"r1","seq":1,"phase":"driver_assigned"}`,
		`{"ride_id":"r1","seq":3,"phase":"driver_arrived"}`,
	}}
	f := NewRedisFetcher(l, nil)
	_, next, err := f.FetchEvents(context.Background(), "r1", 0)
	if err != nil || next != 2 {
		t.Fatalf("next %d err %v", next, err)
	}

	// seq 2 lands in the list after seq 3
	l.vals = append(l.vals, `{"ride_id":"r1","seq":2,"phase":"driver_arriving"}`)
	evs, next, err := f.FetchEvents(context.Background(), "r1", next)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Seq != 2 || next != 3 {
		t.Fatalf("got %+v next %d", evs, next)
	}
}

func TestRedisFetcherPropagatesErrors(t *testing.T) {
	f := NewRedisFetcher(&fakeList{err: errBoom}, nil)
	if _, _, err := f.FetchEvents(context.Background(), "r1", 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/rides/r1/events" || r.URL.Query().Get("after") != "1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"ride_id":"r1","seq":1,"phase":"assigned"},
			{"ride_id":"r1","seq":2,"phase":"arriving","eta_seconds":90}
		]`))
	}))
	defer srv.Close()

	evs, next, err := NewHTTPFetcher(srv.URL+"/").FetchEvents(context.Background(), "r1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Seq != 2 || *evs[0].ETASeconds != 90 || next != 2 {
		t.Fatalf("got %+v next %d", evs, next)
	}
}

func TestHTTPFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if _, _, err := NewHTTPFetcher(srv.URL).FetchEvents(context.Background(), "r1", 0); err == nil {
		t.Fatalf("expected error")
	}
}
