package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stepline/internal/app"
	"stepline/internal/export"
	"stepline/internal/repo"
	"stepline/internal/sensor"
	"stepline/internal/ui"
)

func replayCmd() *cobra.Command {
	var speed float64
	var watch bool
	cmd := &cobra.Command{
		Use:   "replay <file.fit>",
		Short: "Run a session fed by the records of a FIT activity file",
		Long:  "Cycle counts become raw step counts and GPS fixes become route points. --speed 0 replays without pauses.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			src, err := sensor.NewFITReplay(filepath.Base(args[0]), f)
			f.Close()
			if err != nil {
				return err
			}
			src.Speed = speed
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Start(ctx, src)
				if err != nil {
					return err
				}
				if watch {
					cfg, err := a.Engine.Targets.Load(ctx)
					if err != nil {
						s.Stop()
						return err
					}
					if err := ui.Watch(ctx, a.Engine, s, cfg.DailyStepTarget); err != nil {
						s.Stop()
						return err
					}
				} else {
					select {
					case <-s.Done():
					case <-ctx.Done():
					}
				}
				if err := s.Stop(); err != nil {
					return err
				}
				snap := s.Snapshot()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session_id": s.ID, "snapshot": snap, "completed": s.Completed()})
				}
				fmt.Printf("Session %s replayed %d records: %s steps, %.2f km\n", s.ID, src.Len(), humanize.Comma(int64(snap.CumulativeSteps)), snap.DistanceKm)
				for _, c := range s.Completed() {
					fmt.Printf("Completed: %s\n", c.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 0, "playback speed multiplier (0 = as fast as possible)")
	cmd.Flags().BoolVar(&watch, "watch", false, "show the live dashboard")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Recorded sessions"}
	s.AddCommand(sessionListCmd())
	return s
}

func sessionListCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListSessions(ctx, n)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, s := range items {
					stopped := "running"
					if s.StoppedAt != nil {
						stopped = ago(*s.StoppedAt)
					}
					rows = append(rows, table.Row{s.ID, s.Source, ago(s.StartedAt), stopped, humanize.Comma(int64(s.StartSteps))})
				}
				return printTable(items, table.Row{"ID", "Source", "Started", "Stopped", "Start steps"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of sessions")
	return cmd
}

func routeCmd() *cobra.Command {
	r := &cobra.Command{Use: "route", Short: "Session routes"}
	r.AddCommand(routeShowCmd())
	return r
}

func routeShowCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "show <session>",
		Short: "Show the positions recorded for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rt, err := a.Engine.Routes.Route(ctx, args[0])
				if err != nil {
					return err
				}
				if out != "" {
					if err := export.WriteRoute(out, rt); err != nil {
						return err
					}
					return reportWritten(out, len(rt.Points))
				}
				if viper.GetBool("json") {
					return printJSON(rt)
				}
				rows := make([]table.Row, 0, len(rt.Points))
				for _, p := range rt.Points {
					rows = append(rows, table.Row{p.Seq, fmt.Sprintf("%.6f", p.Lat), fmt.Sprintf("%.6f", p.Lon), p.RecordedAt.Format(time.RFC3339)})
				}
				if err := printTable(rt, table.Row{"Seq", "Lat", "Lon", "Recorded"}, rows); err != nil {
					return err
				}
				fmt.Printf("%d points, %.2f km\n", len(rt.Points), rt.DistanceKm)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "export", "", "write the route to this Parquet file instead of printing it")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: sessions, completed challenges, target changes and sensor problems.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					rows = append(rows, table.Row{e.ID, ago(e.TS), e.Type, e.EntityKind, e.EntityID, e.SessionID})
				}
				return printTable(items, table.Row{"ID", "When", "Type", "Kind", "Entity", "Session"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session id filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

// ago renders an RFC 3339 timestamp relative to now, or as-is if it does not parse.
func ago(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
