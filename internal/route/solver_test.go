package route

import (
	"context"
	"errors"
	"testing"

	"github.com/mmeshcher/foodrescue-system/internal/maps"
	"github.com/mmeshcher/foodrescue-system/internal/model"
)

type stubDirections struct {
	result *maps.RouteResult
	err    error

	called    bool
	waypoints []maps.Point
}

func (s *stubDirections) Route(ctx context.Context, origin, destination maps.Point, waypoints []maps.Point) (*maps.RouteResult, error) {
	s.called = true
	s.waypoints = waypoints
	return s.result, s.err
}

func testStops() []Stop {
	// Start and end are the delivery address; two pickups in between.
	return []Stop{
		{Role: model.RoutePointPickup, Lat: 0, Lng: 0, Label: "start"},
		{Role: model.RoutePointPickup, Lat: 0, Lng: 2, Label: "far pickup"},
		{Role: model.RoutePointPickup, Lat: 0, Lng: 1, Label: "near pickup"},
		{Role: model.RoutePointDelivery, Lat: 0, Lng: 0, Label: "delivery"},
	}
}

func TestPlan_UsesExternalOrdering(t *testing.T) {
	dirs := &stubDirections{
		result: &maps.RouteResult{
			Order:           []int{1, 0},
			LegDistancesKm:  []float64{10, 5, 8},
			LegDurationsMin: []float64{20, 10, 16},
		},
	}
	solver := NewSolver(dirs)

	plan, err := solver.Plan(context.Background(), testStops())
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	if !dirs.called {
		t.Fatalf("external directions service not called")
	}
	if len(dirs.waypoints) != 2 {
		t.Fatalf("waypoints sent = %d, want 2", len(dirs.waypoints))
	}

	if len(plan.Stops) != 4 {
		t.Fatalf("stops = %d, want 4", len(plan.Stops))
	}
	if plan.Stops[1].Label != "near pickup" || plan.Stops[2].Label != "far pickup" {
		t.Fatalf("interior order not applied: %q, %q", plan.Stops[1].Label, plan.Stops[2].Label)
	}
	if plan.Stops[3].Label != "delivery" {
		t.Fatalf("last stop = %q, want delivery", plan.Stops[3].Label)
	}

	if plan.TotalKm != 23 {
		t.Fatalf("TotalKm = %v, want 23", plan.TotalKm)
	}
	if plan.TotalMinutes != 46 {
		t.Fatalf("TotalMinutes = %v, want 46", plan.TotalMinutes)
	}
}

func TestPlan_FallsBackOnExternalError(t *testing.T) {
	dirs := &stubDirections{err: errors.New("service unavailable")}
	solver := NewSolver(dirs)

	plan, err := solver.Plan(context.Background(), testStops())
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	if !dirs.called {
		t.Fatalf("external directions service not tried")
	}

	// Greedy from the start at (0,0): nearest is the delivery duplicate at
	// (0,0), then (0,1), then (0,2).
	if plan.Stops[0].Label != "start" {
		t.Fatalf("first stop = %q, want start", plan.Stops[0].Label)
	}
	if plan.TotalKm <= 0 {
		t.Fatalf("TotalKm = %v, want > 0", plan.TotalKm)
	}
	if plan.TotalMinutes <= 0 {
		t.Fatalf("TotalMinutes = %v, want > 0", plan.TotalMinutes)
	}
}

func TestPlan_NearestNeighborOrder(t *testing.T) {
	solver := NewSolver(nil)

	stops := []Stop{
		{Label: "start", Lat: 0, Lng: 0},
		{Label: "b", Lat: 0, Lng: 3},
		{Label: "a", Lat: 0, Lng: 1},
		{Label: "c", Lat: 0, Lng: 6},
	}

	plan, err := solver.Plan(context.Background(), stops)
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	want := []string{"start", "a", "b", "c"}
	for i, label := range want {
		if plan.Stops[i].Label != label {
			t.Fatalf("stop %d = %q, want %q", i, plan.Stops[i].Label, label)
		}
	}

	// Legs: 1 + 2 + 3 degrees along the equator, about 111.19 km each.
	if plan.TotalKm < 660 || plan.TotalKm > 675 {
		t.Fatalf("TotalKm = %v, want about 667", plan.TotalKm)
	}
}

func TestPlan_SkipsExternalOverStopLimit(t *testing.T) {
	dirs := &stubDirections{
		result: &maps.RouteResult{},
	}
	solver := NewSolver(dirs)

	stops := make([]Stop, 0, maxExternalStops+1)
	for i := 0; i <= maxExternalStops; i++ {
		stops = append(stops, Stop{Lat: float64(i) * 0.01, Lng: 0})
	}

	plan, err := solver.Plan(context.Background(), stops)
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	if dirs.called {
		t.Fatalf("external service must not be called above the stop limit")
	}
	if len(plan.Stops) != len(stops) {
		t.Fatalf("stops = %d, want %d", len(plan.Stops), len(stops))
	}
}

func TestPlan_TooFewStops(t *testing.T) {
	solver := NewSolver(nil)

	_, err := solver.Plan(context.Background(), []Stop{{Label: "only"}})
	if err == nil {
		t.Fatalf("expected error for single stop")
	}
}
