package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fitiq/fitiq-sync/internal/config"
	"github.com/fitiq/fitiq-sync/internal/factory"
	"github.com/fitiq/fitiq-sync/internal/logger"
	"github.com/fitiq/fitiq-sync/internal/model"
)

var verbose bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vitalsyncctl",
		Short:         "Operate the local sync store: drain, inspect, import and reconcile",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
	root.AddCommand(syncCommands()...)
	root.AddCommand(dataCommands()...)
	root.AddCommand(workerCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config from the environment, wires the components, runs fn
// and closes everything.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *factory.App) error) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	log := zerolog.Nop()
	if verbose {
		log = logger.NewWithWriter("vitalsyncctl", cmd.ErrOrStderr())
		logger.SetLevel(cfg.LogLevel)
	}
	app, err := factory.NewApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(cmd.Context(), app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseKinds accepts a comma-separated list; empty means every kind.
func parseKinds(s string) ([]model.Kind, error) {
	if strings.TrimSpace(s) == "" {
		return model.Kinds, nil
	}
	var out []model.Kind
	for _, part := range strings.Split(s, ",") {
		k := model.Kind(strings.TrimSpace(part))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown kind %q", part)
		}
		out = append(out, k)
	}
	return out, nil
}

func parseKind(s string) (model.Kind, error) {
	k := model.Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}
