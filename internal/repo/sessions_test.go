package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stepline/internal/db"
	"stepline/internal/domain"
	"stepline/internal/migrate"
	"stepline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestRoutePointsRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	if err := r.InsertSession(ctx, domain.Session{ID: "s1", Source: "test", StartedAt: at.Format(time.RFC3339Nano)}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		seq, err := r.AppendRoutePoint(ctx, domain.RoutePoint{SessionID: "s1", Lat: 1, Lon: float64(i), RecordedAt: at.Add(time.Duration(i) * time.Second)})
		if err != nil || seq != i+1 {
			t.Fatalf("append: seq=%d err=%v", seq, err)
		}
	}
	points, err := r.ListRoutePoints(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 || !points[1].RecordedAt.Equal(at.Add(time.Second)) {
		t.Fatalf("unexpected points %+v", points)
	}
}

func TestListRoutePointsRejectsBadTimestamp(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.InsertSession(ctx, domain.Session{ID: "s1", Source: "test", StartedAt: time.Now().UTC().Format(time.RFC3339Nano)}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO route_points(session_id,seq,lat,lon,recorded_at) VALUES ('s1',1,0,0,'yesterday')`); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ListRoutePoints(ctx, "s1"); !errors.Is(err, repo.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for an unparsable recorded_at, got %v", err)
	}
}
