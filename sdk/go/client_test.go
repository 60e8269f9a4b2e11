package steplinesdk_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"stepline/internal/config"
	"stepline/internal/db"
	"stepline/internal/engine"
	"stepline/internal/migrate"
	"stepline/internal/server"
	steplinesdk "stepline/sdk/go"
)

func newClient(t *testing.T) *steplinesdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	e := engine.New(conn, config.Default())
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "k"}, Logger: e.Logger})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		handler.Close()
		srv.Shutdown(context.Background())
		conn.Close()
	})
	token, err := server.IssueToken("k", "sdk-test", "", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return steplinesdk.New("http://"+ln.Addr().String(), token)
}

func TestClientSessionFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	sess, err := c.StartSession(ctx, "sdk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	upd, err := c.RecordSteps(ctx, sess.ID, 7200)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if upd.Snapshot.CumulativeSteps != 7200 || len(upd.Completed) != 2 {
		t.Fatalf("unexpected update %+v", upd)
	}
	if _, err := c.RecordPosition(ctx, sess.ID, 10, 20, time.Now()); err != nil {
		t.Fatalf("position: %v", err)
	}
	stopped, err := c.StopSession(ctx, sess.ID)
	if err != nil || stopped.StoppedAt == nil {
		t.Fatalf("stop: %+v %v", stopped, err)
	}
	hist, err := c.History(ctx)
	if err != nil || len(hist) != 1 || hist[0].DistanceKm != 5.49 {
		t.Fatalf("history %+v %v", hist, err)
	}
	page, err := c.EventsPage(ctx, 10, "challenge.completed", "")
	if err != nil || len(page.Items) != 2 {
		t.Fatalf("events %+v %v", page, err)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	c := newClient(t)
	_, err := c.SetTarget(context.Background(), steplinesdk.Target{DailyStepTarget: 1234, HeightCm: 170, WeightKg: 70})
	var apiErr *steplinesdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "invalid_target" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if _, err := c.RecordSteps(context.Background(), "missing", 1); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
