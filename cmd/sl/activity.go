package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stepline/internal/activity"
	"stepline/internal/app"
	"stepline/internal/domain"
	"stepline/internal/engine"
	"stepline/internal/export"
	"stepline/internal/sensor"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show today's totals and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, cfg, err := a.Engine.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"snapshot": u.Snapshot, "progress": u.Progress, "target": cfg})
				}
				s := u.Snapshot
				fmt.Printf("Date:     %s\n", s.Date)
				fmt.Printf("Steps:    %s / %s (%.0f%%)\n", humanize.Comma(int64(s.CumulativeSteps)), humanize.Comma(int64(cfg.DailyStepTarget)), u.Progress*100)
				fmt.Printf("Distance: %.2f km\n", s.DistanceKm)
				fmt.Printf("Calories: %.1f kcal\n", s.Calories)
				if cfg.Username != "" {
					fmt.Printf("User:     %s\n", cfg.Username)
				}
				return nil
			})
		},
	}
}

func stepsCmd() *cobra.Command {
	steps := &cobra.Command{Use: "steps", Short: "Record step counts"}
	steps.AddCommand(stepsRecordCmd())
	return steps
}

func stepsRecordCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "record <raw>...",
		Short: "Run one session and deliver raw counts in order",
		Long:  "Each raw value is the count since the session started, as a pedometer reports it. The session ends after the last value.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raws, err := parseRaw(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Start(ctx, sensor.NewFeed(source))
				if err != nil {
					return err
				}
				var last engine.Update
				var completed []domain.Challenge
				for _, raw := range raws {
					u, err := s.Deliver(ctx, sensor.Sample{Steps: raw})
					if err != nil {
						s.Stop()
						return err
					}
					last = u
					completed = append(completed, u.Completed...)
				}
				if err := s.Stop(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session_id": s.ID, "snapshot": last.Snapshot, "progress": last.Progress, "completed": completed})
				}
				fmt.Printf("Session %s: %s steps, %.2f km\n", s.ID, humanize.Comma(int64(last.Snapshot.CumulativeSteps)), last.Snapshot.DistanceKm)
				for _, c := range completed {
					fmt.Printf("Completed: %s\n", c.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "source name recorded on the session")
	return cmd
}

func parseRaw(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid raw count %q: must be a non-negative integer", arg)
		}
		out = append(out, n)
	}
	return out, nil
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show distance per day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Activity.History(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, d := range items {
					rows = append(rows, table.Row{d.Date, fmt.Sprintf("%.2f", d.DistanceKm)})
				}
				return printTable(items, table.Row{"Date", "Distance (km)"}, rows)
			})
		},
	}
	cmd.AddCommand(historyExportCmd())
	return cmd
}

func historyExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the history to a Parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Activity.History(ctx)
				if err != nil {
					return err
				}
				if err := export.WriteHistory(out, items, activity.StepLengthKm); err != nil {
					return err
				}
				return reportWritten(out, len(items))
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "history.parquet", "output file")
	return cmd
}

func reportWritten(path string, rows int) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d rows, %s)\n", path, rows, humanize.Bytes(uint64(st.Size())))
	return nil
}

func challengesCmd() *cobra.Command {
	ch := &cobra.Command{
		Use:   "challenges",
		Short: "Manage challenges",
		Long:  "Challenges complete once the running total reaches their threshold and never revert.",
	}
	ch.AddCommand(challengesListCmd())
	ch.AddCommand(challengesAddCmd())
	ch.AddCommand(challengesEvaluateCmd())
	return ch
}

func challengeRows(items []domain.Challenge) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, c := range items {
		done := ""
		if c.Completed {
			done = "yes"
		}
		rows = append(rows, table.Row{c.ID, c.Title, humanize.Comma(int64(c.StepThreshold)), done})
	}
	return rows
}

var challengeHeader = table.Row{"ID", "Title", "Threshold", "Completed"}

func challengesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Challenges.Catalog(ctx)
				if err != nil {
					return err
				}
				return printTable(items, challengeHeader, challengeRows(items))
			})
		},
	}
}

func challengesAddCmd() *cobra.Command {
	var title string
	var threshold int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a challenge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, newly, err := a.Engine.AddChallenge(ctx, title, threshold)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"challenge": c, "completed": newly})
				}
				fmt.Printf("Added challenge %d: %s (%s steps)\n", c.ID, c.Title, humanize.Comma(int64(c.StepThreshold)))
				for _, n := range newly {
					fmt.Printf("Completed: %s\n", n.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "challenge title")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "step threshold")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("threshold")
	return cmd
}

func challengesEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Complete challenges reached by the saved total",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				newly, err := a.Engine.EvaluateChallenges(ctx)
				if err != nil {
					return err
				}
				if newly == nil {
					newly = []domain.Challenge{}
				}
				return printTable(newly, challengeHeader, challengeRows(newly))
			})
		},
	}
}

func targetCmd() *cobra.Command {
	t := &cobra.Command{Use: "target", Short: "Daily target and body metrics"}
	t.AddCommand(targetShowCmd())
	t.AddCommand(targetSetCmd())
	return t
}

func printTarget(cfg domain.TargetConfig) error {
	if viper.GetBool("json") {
		return printJSON(cfg)
	}
	fmt.Printf("Daily target: %s steps\n", humanize.Comma(int64(cfg.DailyStepTarget)))
	fmt.Printf("Height:       %d cm\n", cfg.HeightCm)
	fmt.Printf("Weight:       %d kg\n", cfg.WeightKg)
	return nil
}

func targetShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg, err := a.Engine.Targets.Load(ctx)
				if err != nil {
					return err
				}
				return printTarget(cfg)
			})
		},
	}
}

func targetSetCmd() *cobra.Command {
	var daily, height, weight int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the target; unset flags keep their value",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg, err := a.Engine.Targets.Load(ctx)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("daily") {
					cfg.DailyStepTarget = daily
				}
				if cmd.Flags().Changed("height") {
					cfg.HeightCm = height
				}
				if cmd.Flags().Changed("weight") {
					cfg.WeightKg = weight
				}
				saved, err := a.Engine.UpdateTarget(ctx, cfg)
				if err != nil {
					return err
				}
				return printTarget(saved)
			})
		},
	}
	cmd.Flags().IntVar(&daily, "daily", 0, "daily step target (one of the selectable targets)")
	cmd.Flags().IntVar(&height, "height", 0, "height in cm (150-200)")
	cmd.Flags().IntVar(&weight, "weight", 0, "weight in kg (50-180)")
	return cmd
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "User profile"}
	p.AddCommand(profileSetCmd())
	return p
}

func profileSetCmd() *cobra.Command {
	var username, image string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set username and profile image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg, err := a.Engine.Targets.Load(ctx)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("username") {
					cfg.Username = username
				}
				if cmd.Flags().Changed("image") {
					cfg.ProfileImage = image
				}
				saved, err := a.Engine.UpdateTarget(ctx, cfg)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Username: %s\nImage:    %s\n", saved.Username, saved.ProfileImage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringVar(&image, "image", "", "profile image path or URL")
	return cmd
}
