// Package geo содержит чистые функции оценки расстояния и времени в пути.
package geo

import "math"

const (
	// EarthRadiusKm — радиус сферической модели Земли для формулы гаверсинуса.
	EarthRadiusKm = 6371.0
	// AverageSpeedKmh — принятая средняя скорость движения водителя.
	AverageSpeedKmh = 30.0
)

// HaversineKm вычисляет расстояние по дуге большого круга между двумя точками в километрах.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180

	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// DurationMinutes оценивает время в пути в минутах для расстояния km
// при средней скорости AverageSpeedKmh.
func DurationMinutes(km float64) float64 {
	return km / AverageSpeedKmh * 60
}
