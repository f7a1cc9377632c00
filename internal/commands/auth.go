package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sakif/duo-routine/internal/app"
	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/routeguard"
)

// loginTimeout bounds how long the GitHub flow waits for the browser.
const loginTimeout = 5 * time.Minute

func addLogin(topLevel *cobra.Command, o *GlobalOptions) {
	var github bool

	cmd := &cobra.Command{
		Use:   "login [email]",
		Short: "Sign in with an emailed code, or with GitHub",
		Example: `
duo login ana@example.com
duo login --github
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if github && len(args) != 0 {
				return errors.New("--github takes no email")
			}
			if !github && len(args) != 1 {
				return errors.New("requires an email address")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, false, func(ctx context.Context, c *app.Client) error {
				var err error
				if github {
					err = loginGitHub(ctx, c, cmd.OutOrStdout())
				} else {
					err = loginEmail(ctx, c, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
				}
				if err != nil {
					return err
				}
				if err := c.Ready(ctx); err != nil {
					return err
				}
				s := c.Session()
				_, _ = color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(s.User))
				if s.Partner == nil {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Share your pairing code %s with your partner, or run: duo pair <code>\n",
						s.User.PairingCode)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&github, "github", false, "Sign in with GitHub in the browser.")
	topLevel.AddCommand(cmd)
}

func loginEmail(ctx context.Context, c *app.Client, email string, in io.Reader, out io.Writer) error {
	if err := c.SignIn(ctx, email); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "A sign-in code was sent to %s.\nCode: ", email)
	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return apperror.ValidationFailed("code", "no code entered")
	}
	return c.VerifySignIn(ctx, email, code)
}

// loginGitHub runs the authorization code flow against a one-shot listener
// on the loopback interface. The backend only redirects to loopback URLs.
func loginGitHub(ctx context.Context, c *app.Client, out io.Writer) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("opening callback listener: %w", err)
	}
	redirectTo := "http://" + ln.Addr().String() + "/callback"

	authURL, err := c.SignInWithProvider(ctx, redirectTo)
	if err != nil {
		ln.Close()
		return err
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		ln.Close()
		return fmt.Errorf("parsing sign-in url: %w", err)
	}
	state := parsed.Query().Get("state")

	// Only the first callback counts; later ones must not block the server.
	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)
	report := func(r result) {
		select {
		case results <- r:
		default:
		}
	}
	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/callback" {
				http.NotFound(w, r)
				return
			}
			q := r.URL.Query()
			switch {
			case q.Get("state") != state:
				http.Error(w, "state mismatch", http.StatusBadRequest)
				report(result{err: apperror.Auth("sign-in state mismatch")})
			case q.Get("error") != "":
				_, _ = io.WriteString(w, "Sign-in was cancelled. You can close this tab.")
				report(result{err: apperror.Auth("sign-in cancelled: " + q.Get("error"))})
			default:
				_, _ = io.WriteString(w, "Signed in. You can close this tab.")
				report(result{code: q.Get("code")})
			}
		}),
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	_, _ = fmt.Fprintf(out, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)

	wait, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	select {
	case r := <-results:
		if r.err != nil {
			return r.err
		}
		return c.CompleteProviderSignIn(ctx, r.code, redirectTo)
	case <-wait.Done():
		return apperror.Timeout("waiting for the browser sign-in")
	}
}

func addLogout(topLevel *cobra.Command, o *GlobalOptions) {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out on this machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, false, func(ctx context.Context, c *app.Client) error {
				// The local session is gone either way; a backend failure
				// only means the refresh token lives until it expires.
				if err := c.SignOut(ctx); err != nil {
					_, _ = color.New(color.Faint).Fprintf(cmd.ErrOrStderr(), "backend sign-out failed: %v\n", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				return nil
			})
		},
	}
	topLevel.AddCommand(cmd)
}

type statusView struct {
	User        string `json:"user"`
	Email       string `json:"email"`
	PairingCode string `json:"pairing_code"`
	Partner     string `json:"partner,omitempty"`
	Unread      int    `json:"unread_notifications"`
	// Next is where the route guard sends the user instead of home.
	Next string `json:"next,omitempty"`
}

func addStatus(topLevel *cobra.Command, o *GlobalOptions) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show who is signed in and who they are paired with",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				if err := c.Inbox().Refresh(ctx); err != nil {
					return err
				}
				s := c.Session()
				v := statusView{
					User:        displayName(s.User),
					Email:       s.User.Email,
					PairingCode: s.User.PairingCode,
					Unread:      c.Inbox().Snapshot().Unread,
					Next:        c.Navigate(routeguard.RouteHome).Target,
				}
				if s.Partner != nil {
					v.Partner = displayName(s.Partner)
				}
				if done, err := printJSON(cmd.OutOrStdout(), o, v); done {
					return err
				}
				printStatus(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}
	topLevel.AddCommand(cmd)
}
