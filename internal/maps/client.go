// Package maps предоставляет клиент для внешнего картографического сервиса:
// геокодирование адресов и построение оптимизированных маршрутов.
package maps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound возвращается, если сервис не смог распознать адрес.
var ErrNotFound = errors.New("address not found")

// Client инкапсулирует HTTP-взаимодействие с картографическим сервисом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Location описывает результат геокодирования адреса.
type Location struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FormattedAddress string  `json:"formatted_address"`
}

// Point — пара координат в запросе построения маршрута.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RouteResult описывает ответ сервиса маршрутизации: порядок посещения
// промежуточных точек и параметры каждого плеча маршрута.
type RouteResult struct {
	Order           []int     `json:"order"`
	LegDistancesKm  []float64 `json:"leg_distances_km"`
	LegDurationsMin []float64 `json:"leg_durations_min"`
}

type routeRequest struct {
	Origin      Point   `json:"origin"`
	Destination Point   `json:"destination"`
	Waypoints   []Point `json:"waypoints"`
	Optimize    bool    `json:"optimize"`
}

// NewClient создаёт HTTP-клиент картографического сервиса по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) resolveBase() (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("maps client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return base, nil
}

// Geocode преобразует свободный текст адреса в координаты.
func (c *Client) Geocode(ctx context.Context, address string) (*Location, error) {
	base, err := c.resolveBase()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/geocode?address=%s", base, url.QueryEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Location
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

// Route запрашивает оптимизированный порядок посещения промежуточных точек
// между origin и destination вместе с расстоянием и длительностью каждого плеча.
func (c *Client) Route(ctx context.Context, origin, destination Point, waypoints []Point) (*RouteResult, error) {
	base, err := c.resolveBase()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(routeRequest{
		Origin:      origin,
		Destination: destination,
		Waypoints:   waypoints,
		Optimize:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/route", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result RouteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(result.Order) != len(waypoints) {
		return nil, fmt.Errorf("routing service returned %d waypoints, want %d", len(result.Order), len(waypoints))
	}

	return &result, nil
}
