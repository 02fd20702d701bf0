package eta

import (
	"context"
	"fmt"
	"time"

	"github.com/richxcame/taxi-dispatch/pkg/geo"
	"github.com/richxcame/taxi-dispatch/pkg/httpclient"
)

// RouteLeg is one origin's answer from the road-network provider. A leg with
// OK=false means the provider could not route that pair and the caller must
// fall back to estimation for it.
type RouteLeg struct {
	DistanceM int
	DurationS int
	OK        bool
}

// RoadProvider resolves real road distances for a set of origins against a
// single destination. Implementations must return one leg per origin, in
// input order.
type RoadProvider interface {
	Routes(ctx context.Context, origins []geo.Point, dest geo.Point) ([]RouteLeg, error)
}

type matrixRequest struct {
	Origins      []geo.Point `json:"origins"`
	Destinations []geo.Point `json:"destinations"`
}

type matrixLeg struct {
	Status    string `json:"status"`
	DistanceM int    `json:"distance_m"`
	DurationS int    `json:"duration_s"`
}

type matrixResponse struct {
	Rows [][]matrixLeg `json:"rows"`
}

// HTTPProvider talks to a distance-matrix style HTTP service.
type HTTPProvider struct {
	client *httpclient.Client
}

// NewHTTPProvider creates a provider against the given base URL.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{client: httpclient.NewClient(baseURL, timeout)}
}

// Routes issues one matrix request for all origins against the destination.
func (p *HTTPProvider) Routes(ctx context.Context, origins []geo.Point, dest geo.Point) ([]RouteLeg, error) {
	req := matrixRequest{Origins: origins, Destinations: []geo.Point{dest}}

	var resp matrixResponse
	if err := p.client.PostJSON(ctx, "/v1/matrix", req, &resp); err != nil {
		return nil, fmt.Errorf("road provider request: %w", err)
	}

	if len(resp.Rows) != len(origins) {
		return nil, fmt.Errorf("road provider returned %d rows for %d origins", len(resp.Rows), len(origins))
	}

	legs := make([]RouteLeg, len(origins))
	for i, row := range resp.Rows {
		if len(row) == 0 || row[0].Status != "OK" {
			legs[i] = RouteLeg{OK: false}
			continue
		}
		legs[i] = RouteLeg{
			DistanceM: row[0].DistanceM,
			DurationS: row[0].DurationS,
			OK:        true,
		}
	}
	return legs, nil
}
