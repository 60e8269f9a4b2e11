package route

import (
	"context"
	"fmt"
	"math"

	"stepline/internal/domain"
	"stepline/internal/repo"
	"stepline/internal/sensor"
)

const earthRadiusKm = 6371.0

// Route is the ordered track recorded for one session.
type Route struct {
	SessionID  string              `json:"session_id"`
	Points     []domain.RoutePoint `json:"points"`
	DistanceKm float64             `json:"distance_km"`
}

type Recorder struct {
	Repo repo.Repo
}

func (r Recorder) Record(ctx context.Context, sessionID string, p sensor.Position) (domain.RoutePoint, error) {
	if sessionID == "" {
		return domain.RoutePoint{}, fmt.Errorf("session id required")
	}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return domain.RoutePoint{}, fmt.Errorf("invalid position %.6f,%.6f", p.Lat, p.Lon)
	}
	pt := domain.RoutePoint{SessionID: sessionID, Lat: p.Lat, Lon: p.Lon, RecordedAt: p.At}
	seq, err := r.Repo.AppendRoutePoint(ctx, pt)
	if err != nil {
		return domain.RoutePoint{}, fmt.Errorf("record position: %w", err)
	}
	pt.Seq = seq
	return pt, nil
}

func (r Recorder) Route(ctx context.Context, sessionID string) (Route, error) {
	if _, err := r.Repo.GetSession(ctx, sessionID); err != nil {
		return Route{}, err
	}
	points, err := r.Repo.ListRoutePoints(ctx, sessionID)
	if err != nil {
		return Route{}, err
	}
	if points == nil {
		points = []domain.RoutePoint{}
	}
	return Route{SessionID: sessionID, Points: points, DistanceKm: Length(points)}, nil
}

// Length sums the great-circle distance between consecutive points, in km.
func Length(points []domain.RoutePoint) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Haversine(points[i-1].Lat, points[i-1].Lon, points[i].Lat, points[i].Lon)
	}
	return total
}

func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
