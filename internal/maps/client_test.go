package maps

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGeocode_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/geocode" {
			t.Fatalf("path = %s, want /api/geocode", r.URL.Path)
		}
		if got := r.URL.Query().Get("address"); got != "1 Main St" {
			t.Fatalf("address = %q, want %q", got, "1 Main St")
		}

		resp := Location{Lat: 40.7, Lng: -74.0, FormattedAddress: "1 Main St, New York"}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	loc, err := client.Geocode(ctx, "1 Main St")
	if err != nil {
		t.Fatalf("Geocode error: %v", err)
	}
	if loc.Lat != 40.7 || loc.Lng != -74.0 {
		t.Fatalf("unexpected location: %+v", loc)
	}
	if loc.FormattedAddress != "1 Main St, New York" {
		t.Fatalf("formatted address = %q", loc.FormattedAddress)
	}
}

func TestGeocode_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.Geocode(context.Background(), "nowhere")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGeocode_NotConfigured(t *testing.T) {
	client := NewClient("")

	_, err := client.Geocode(context.Background(), "somewhere")
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}

func TestRoute_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/route" {
			t.Fatalf("path = %s, want /api/route", r.URL.Path)
		}

		var req routeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Optimize {
			t.Fatalf("optimize flag not set")
		}
		if len(req.Waypoints) != 2 {
			t.Fatalf("waypoints = %d, want 2", len(req.Waypoints))
		}

		resp := RouteResult{
			Order:           []int{1, 0},
			LegDistancesKm:  []float64{3.2, 1.1, 2.5},
			LegDurationsMin: []float64{8, 3, 6},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	res, err := client.Route(context.Background(),
		Point{Lat: 0, Lng: 0},
		Point{Lat: 0, Lng: 1},
		[]Point{{Lat: 0.5, Lng: 0.5}, {Lat: 0.2, Lng: 0.3}},
	)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if len(res.Order) != 2 || res.Order[0] != 1 {
		t.Fatalf("unexpected order: %v", res.Order)
	}
	if len(res.LegDistancesKm) != 3 {
		t.Fatalf("legs = %d, want 3", len(res.LegDistancesKm))
	}
}

func TestRoute_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.Route(context.Background(), Point{}, Point{}, nil)
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestRoute_WaypointCountMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := RouteResult{Order: []int{0}, LegDistancesKm: []float64{1}, LegDurationsMin: []float64{2}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.Route(context.Background(), Point{}, Point{}, []Point{{}, {}})
	if err == nil {
		t.Fatalf("expected error for waypoint count mismatch")
	}
}
