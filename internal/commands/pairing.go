package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sakif/duo-routine/internal/app"
	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/model"
)

func addPairing(topLevel *cobra.Command, o *GlobalOptions) {
	var skip bool

	pair := &cobra.Command{
		Use:   "pair [code]",
		Short: "Pair with a partner straight away using their code",
		Example: `
duo pair K3X9QZ
duo pair --skip
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if skip != (len(args) == 0) {
				return errors.New("requires a pairing code, or --skip alone")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				if skip {
					if err := c.SkipPairing(); err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Pairing skipped for now.")
					return nil
				}
				if err := c.PairWithPartner(ctx, args[0]); err != nil {
					return explainPairing(err)
				}
				_, _ = color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Paired with %s\n",
					displayName(c.Session().Partner))
				return nil
			})
		},
	}
	pair.Flags().BoolVar(&skip, "skip", false, "Stop asking to pair for a day.")
	topLevel.AddCommand(pair)

	request := &cobra.Command{
		Use:   "request <code>",
		Short: "Ask the owner of a code to pair; they accept from their inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				if err := c.RequestPairing(ctx, args[0]); err != nil {
					return explainPairing(err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Request sent.")
				return nil
			})
		},
	}
	topLevel.AddCommand(request)

	unpair := &cobra.Command{
		Use:   "unpair",
		Short: "End the pairing for both partners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				if err := c.UnpairPartner(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Unpaired.")
				return nil
			})
		},
	}
	topLevel.AddCommand(unpair)
}

func explainPairing(err error) error {
	switch {
	case errors.Is(err, apperror.ErrAlreadyPaired):
		return fmt.Errorf("that person already has a partner: %w", err)
	case errors.Is(err, apperror.ErrInvalidCode):
		return fmt.Errorf("no one has that code: %w", err)
	}
	return err
}

func addInbox(topLevel *cobra.Command, o *GlobalOptions) {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				if err := c.Inbox().Refresh(ctx); err != nil {
					return err
				}
				snap := c.Inbox().Snapshot()
				if done, err := printJSON(cmd.OutOrStdout(), o, snap.Notifications); done {
					return err
				}
				printInbox(cmd.OutOrStdout(), snap.Notifications, snap.Unread)
				return nil
			})
		},
	}

	act := func(use, short string, fn func(ctx context.Context, c *app.Client, n model.Notification) (string, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <notification>",
			Short: short,
			Long:  "<notification> is the number shown by 'duo inbox' or an id.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
					if err := c.Inbox().Refresh(ctx); err != nil {
						return err
					}
					n, err := resolveNotification(c.Inbox().Snapshot().Notifications, args[0])
					if err != nil {
						return err
					}
					msg, err := fn(ctx, c, n)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), msg)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(
		act("read", "Mark a notification read", func(ctx context.Context, c *app.Client, n model.Notification) (string, error) {
			return "Marked read.", c.Inbox().MarkAsRead(ctx, n.ID)
		}),
		act("delete", "Delete a notification", func(ctx context.Context, c *app.Client, n model.Notification) (string, error) {
			return "Deleted.", c.Inbox().Delete(ctx, n.ID)
		}),
		act("accept", "Accept a pairing request", func(ctx context.Context, c *app.Client, n model.Notification) (string, error) {
			if err := respond(ctx, c, n, true); err != nil {
				return "", err
			}
			return "Paired with " + displayName(c.Session().Partner) + ".", nil
		}),
		act("reject", "Turn down a pairing request", func(ctx context.Context, c *app.Client, n model.Notification) (string, error) {
			return "Request declined.", respond(ctx, c, n, false)
		}),
	)
	topLevel.AddCommand(cmd)
}

func respond(ctx context.Context, c *app.Client, n model.Notification, accept bool) error {
	if n.Type != model.NotifyPairingRequest || n.Data.RequestID == "" {
		return apperror.ValidationFailed("notification", "that notification is not a pairing request")
	}
	return explainPairing(c.Inbox().RespondToRequest(ctx, n.Data.RequestID, accept))
}

// resolveNotification accepts a 1-based position in the inbox or an id.
func resolveNotification(ns []model.Notification, arg string) (model.Notification, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(ns) {
			return model.Notification{}, apperror.ValidationFailed("notification",
				fmt.Sprintf("notification %d does not exist; the inbox has %d", n, len(ns)))
		}
		return ns[n-1], nil
	}
	i := slices.IndexFunc(ns, func(n model.Notification) bool { return n.ID == arg })
	if i < 0 {
		return model.Notification{}, apperror.NotFound("notification", arg)
	}
	return ns[i], nil
}
