package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-session/internal/models"
)

// OSRMRouter performs route lookups against an OSRM HTTP server.
type OSRMRouter struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMRouter(endpoint string) *OSRMRouter {
	return &OSRMRouter{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

// RouteDistanceKm queries OSRM /route through every stop and returns the
// total distance in kilometres.
func (o *OSRMRouter) RouteDistanceKm(ctx context.Context, origin models.Coordinate, stops []models.Coordinate) (float64, error) {
	if len(stops) == 0 {
		return 0, ErrNoStops
	}
	// OSRM wants lon,lat pairs separated by ';'
	pts := make([]string, 0, len(stops)+1)
	pts = append(pts, fmt.Sprintf("%.6f,%.6f", origin.Lng, origin.Lat))
	for _, s := range stops {
		pts = append(pts, fmt.Sprintf("%.6f,%.6f", s.Lng, s.Lat))
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=false", o.Endpoint, strings.Join(pts, ";"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Distance / 1000, nil
}
