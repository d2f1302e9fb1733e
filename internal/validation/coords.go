// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const maxAddressLen = 500

// IsValidCoordinates проверяет, что широта и долгота лежат в допустимых пределах.
func IsValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// IsValidAddress проверяет, что адрес не пуст и не превышает разумную длину.
func IsValidAddress(address string) bool {
	trimmed := strings.TrimSpace(address)
	return trimmed != "" && len(trimmed) <= maxAddressLen
}
