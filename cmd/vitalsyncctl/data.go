package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitiq/fitiq-sync/internal/engine"
	"github.com/fitiq/fitiq-sync/internal/factory"
	"github.com/fitiq/fitiq-sync/internal/model"
)

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func loadZone(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func dataCommands() []*cobra.Command {
	var (
		kind, unit, at, tz string
		value              float64
	)
	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Store a manual measurement and queue it for sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			when, err := parseWhen(at)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				e, created, err := app.Engine.RecordLocal(ctx, &model.Entity{
					Kind:       k,
					Value:      value,
					Unit:       unit,
					OccurredAt: when,
					TimeZone:   tz,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"created": created, "entity": e})
			})
		},
	}
	recordCmd.Flags().StringVarP(&kind, "kind", "k", "", "Measurement kind (required)")
	recordCmd.Flags().Float64Var(&value, "value", 0, "Measured value")
	recordCmd.Flags().StringVarP(&unit, "unit", "u", "", "Unit")
	recordCmd.Flags().StringVar(&at, "at", "", "RFC3339 time (default now)")
	recordCmd.Flags().StringVar(&tz, "tz", "", "IANA time zone (default config)")
	_ = recordCmd.MarkFlagRequired("kind")

	var importKind, importDay, importTZ string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import one day of sensor samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(importKind)
			if err != nil {
				return err
			}
			day, err := model.ParseDay(importDay)
			if err != nil {
				return err
			}
			loc, err := loadZone(importTZ)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				rep, err := app.Engine.ImportSensor(ctx, k, day, loc)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
	importCmd.Flags().StringVarP(&importKind, "kind", "k", "", "Measurement kind (required)")
	importCmd.Flags().StringVarP(&importDay, "day", "d", "", "Day as YYYY-MM-DD (required)")
	importCmd.Flags().StringVar(&importTZ, "tz", "", "IANA time zone (default UTC)")
	_ = importCmd.MarkFlagRequired("kind")
	_ = importCmd.MarkFlagRequired("day")

	var sleepDay, sleepTZ string
	sleepCmd := &cobra.Command{
		Use:   "sleep",
		Short: "Show the sleep sessions ending on a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := model.ParseDay(sleepDay)
			if err != nil {
				return err
			}
			loc, err := loadZone(sleepTZ)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				sessions, err := app.Engine.SleepForDay(ctx, day, loc)
				if err != nil {
					return err
				}
				out := make([]*model.Entity, 0, len(sessions))
				for _, s := range sessions {
					out = append(out, s.ToEntity(app.Config.OwnerID, loc))
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	sleepCmd.Flags().StringVarP(&sleepDay, "day", "d", "", "Wake day as YYYY-MM-DD (required)")
	sleepCmd.Flags().StringVar(&sleepTZ, "tz", "", "IANA time zone (default UTC)")
	_ = sleepCmd.MarkFlagRequired("day")

	var (
		recKind, from, to  string
		apply, requireData bool
	)
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare store, backend and sensor and report the latest value",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(recKind)
			if err != nil {
				return err
			}
			start, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return fmt.Errorf("parse --from: %w", err)
			}
			var end time.Time
			if to != "" {
				if end, err = time.Parse(time.RFC3339, to); err != nil {
					return fmt.Errorf("parse --to: %w", err)
				}
			}
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				res, err := app.Engine.Reconcile(ctx, engine.ReconcileRequest{
					Kind:          k,
					Start:         start,
					End:           end,
					Apply:         apply,
					RequireResult: requireData,
				})
				if perr := printJSON(cmd.OutOrStdout(), reconcileView(res)); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	reconcileCmd.Flags().StringVarP(&recKind, "kind", "k", "", "Measurement kind (required)")
	reconcileCmd.Flags().StringVar(&from, "from", "", "RFC3339 window start (required)")
	reconcileCmd.Flags().StringVar(&to, "to", "", "RFC3339 window end (default now)")
	reconcileCmd.Flags().BoolVar(&apply, "apply", false, "Write the winner to stale sources")
	reconcileCmd.Flags().BoolVar(&requireData, "require", false, "Fail when no source has data")
	_ = reconcileCmd.MarkFlagRequired("kind")
	_ = reconcileCmd.MarkFlagRequired("from")

	return []*cobra.Command{recordCmd, importCmd, sleepCmd, reconcileCmd}
}

type reconcileOutput struct {
	Found   bool              `json:"found"`
	Winner  *model.Entity     `json:"winner,omitempty"`
	Origin  string            `json:"origin,omitempty"`
	Stale   []string          `json:"stale,omitempty"`
	Applied []string          `json:"applied,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func reconcileView(res engine.ReconcileResult) reconcileOutput {
	out := reconcileOutput{Found: res.Found, Winner: res.Winner, Origin: string(res.WinnerOrigin)}
	for _, u := range res.SyncNeeded {
		out.Stale = append(out.Stale, string(u.Origin))
	}
	for _, u := range res.Applied {
		out.Applied = append(out.Applied, string(u.Origin))
	}
	if len(res.Errors) > 0 {
		out.Errors = make(map[string]string, len(res.Errors))
		for o, err := range res.Errors {
			out.Errors[string(o)] = err.Error()
		}
	}
	return out
}
