// Package commands is the duo command line: a thin presentation layer over
// internal/app. Each command builds a client, runs one action and exits;
// the session lives in the data dir between runs.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sakif/duo-routine/internal/app"
	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/config"
)

// GlobalOptions are the flags every command accepts.
type GlobalOptions struct {
	Verbose bool
	JSON    bool
}

func New() *cobra.Command {
	o := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   "duo",
		Short: "Shared daily routines for two.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&o.Verbose, "verbose", "v", false, "Log client activity to stderr.")
	cmd.PersistentFlags().BoolVar(&o.JSON, "json", false, "Output as JSON.")

	addLogin(cmd, o)
	addLogout(cmd, o)
	addStatus(cmd, o)
	addToday(cmd, o)
	addTaskStatus(cmd, o)
	addSubtask(cmd, o)
	addCheckin(cmd, o)
	addPairing(cmd, o)
	addInbox(cmd, o)
	addRoutines(cmd, o)
	addPrefs(cmd, o)
	return cmd
}

// Execute runs the command tree and prints a failure the way the user
// should read it.
func Execute() int {
	cmd := New()
	if err := cmd.Execute(); err != nil {
		_, _ = color.New(color.FgRed).Fprintln(os.Stderr, explain(err))
		return 1
	}
	return 0
}

func explain(err error) string {
	switch {
	case errors.Is(err, apperror.ErrNotAuthenticated):
		return "not signed in; run: duo login <email>"
	case errors.Is(err, apperror.ErrTimeout):
		return "the backend did not answer in time; try again"
	case errors.Is(err, apperror.ErrForbidden):
		return "that belongs to someone else"
	}
	return err.Error()
}

// run builds a client, starts it and hands it to fn. When signedIn is set
// fn only runs once the session has a user and the per-user machinery
// follows it.
func run(cmd *cobra.Command, o *GlobalOptions, signedIn bool, fn func(ctx context.Context, c *app.Client) error) error {
	cmd.SilenceUsage = true

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if o.Verbose {
		level = cfg.LogLevel
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	c, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	if signedIn {
		if err := c.Ready(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, c)
}

// printJSON writes v when --json was given and reports whether it did.
func printJSON(w io.Writer, o *GlobalOptions, v any) (bool, error) {
	if !o.JSON {
		return false, nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return true, fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return true, err
}
