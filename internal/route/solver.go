// Package route строит порядок посещения точек забора и доставки.
//
// Сначала запрашивается внешний сервис оптимизации маршрута; при его отказе
// или превышении лимита промежуточных точек используется эвристика
// ближайшего соседа поверх расстояния по гаверсинусу.
package route

import (
	"context"
	"fmt"

	"github.com/mmeshcher/foodrescue-system/internal/geo"
	"github.com/mmeshcher/foodrescue-system/internal/maps"
	"github.com/mmeshcher/foodrescue-system/internal/model"
)

// maxExternalStops — безопасный лимит точек для одного запроса к внешнему
// сервису маршрутизации.
const maxExternalStops = 25

// Stop описывает одну обязательную точку маршрута.
type Stop struct {
	Role       model.RoutePointType
	Lat        float64
	Lng        float64
	Label      string
	Address    string
	DonationID *int64
}

// Plan — результат планирования: порядок посещения и суммарные оценки.
type Plan struct {
	Stops        []Stop
	TotalKm      float64
	TotalMinutes float64
}

// Directions описывает контракт внешнего сервиса оптимизации маршрута.
type Directions interface {
	Route(ctx context.Context, origin, destination maps.Point, waypoints []maps.Point) (*maps.RouteResult, error)
}

// Solver планирует маршруты с откатом на эвристику ближайшего соседа.
type Solver struct {
	directions Directions
}

// NewSolver создаёт планировщик маршрутов поверх указанного сервиса маршрутизации.
// directions может быть nil — тогда используется только эвристика.
func NewSolver(directions Directions) *Solver {
	return &Solver{directions: directions}
}

// Plan строит порядок посещения для списка точек. Первая точка фиксирована
// как старт, последняя в исходном списке — конечная доставка.
func (s *Solver) Plan(ctx context.Context, stops []Stop) (*Plan, error) {
	if len(stops) < 2 {
		return nil, fmt.Errorf("route needs at least 2 stops, got %d", len(stops))
	}

	if s.directions != nil && len(stops) <= maxExternalStops {
		if plan, err := s.planExternal(ctx, stops); err == nil {
			return plan, nil
		}
	}

	return s.planNearestNeighbor(stops), nil
}

func (s *Solver) planExternal(ctx context.Context, stops []Stop) (*Plan, error) {
	origin := maps.Point{Lat: stops[0].Lat, Lng: stops[0].Lng}
	last := len(stops) - 1
	destination := maps.Point{Lat: stops[last].Lat, Lng: stops[last].Lng}

	waypoints := make([]maps.Point, 0, len(stops)-2)
	for _, st := range stops[1:last] {
		waypoints = append(waypoints, maps.Point{Lat: st.Lat, Lng: st.Lng})
	}

	res, err := s.directions.Route(ctx, origin, destination, waypoints)
	if err != nil {
		return nil, err
	}

	ordered := make([]Stop, 0, len(stops))
	ordered = append(ordered, stops[0])
	for _, idx := range res.Order {
		if idx < 0 || idx >= len(waypoints) {
			return nil, fmt.Errorf("waypoint index %d out of range", idx)
		}
		ordered = append(ordered, stops[1+idx])
	}
	ordered = append(ordered, stops[last])

	var totalKm, totalMin float64
	for _, d := range res.LegDistancesKm {
		totalKm += d
	}
	for _, d := range res.LegDurationsMin {
		totalMin += d
	}

	return &Plan{Stops: ordered, TotalKm: totalKm, TotalMinutes: totalMin}, nil
}

// planNearestNeighbor строит тур жадным выбором ближайшей непосещённой точки,
// начиная с фиксированной стартовой. Конечная точка тура не принуждается
// к адресу доставки — известное упрощение эвристики.
func (s *Solver) planNearestNeighbor(stops []Stop) *Plan {
	n := len(stops)

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			if i == j {
				continue
			}
			dist[i][j] = geo.HaversineKm(stops[i].Lat, stops[i].Lng, stops[j].Lat, stops[j].Lng)
		}
	}

	visited := make([]bool, n)
	order := make([]int, 0, n)

	current := 0
	visited[0] = true
	order = append(order, 0)

	for len(order) < n {
		next := -1
		best := 0.0
		for j := 0; j < n; j++ {
			if visited[j] {
				continue
			}
			if next == -1 || dist[current][j] < best {
				next = j
				best = dist[current][j]
			}
		}
		visited[next] = true
		order = append(order, next)
		current = next
	}

	ordered := make([]Stop, 0, n)
	var totalKm float64
	for i, idx := range order {
		ordered = append(ordered, stops[idx])
		if i > 0 {
			totalKm += dist[order[i-1]][idx]
		}
	}

	return &Plan{
		Stops:        ordered,
		TotalKm:      totalKm,
		TotalMinutes: geo.DurationMinutes(totalKm),
	}
}
