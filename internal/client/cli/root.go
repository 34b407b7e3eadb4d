package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/auth"
	"github.com/dmitrijs2005/roomies/internal/client/store"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/spf13/cobra"
)

// flushTimeout bounds the best-effort sync after a one-shot change.
const flushTimeout = 10 * time.Second

// Shell binds the command tree to a backend and to the terminal.
type Shell struct {
	b   Backend
	in  *bufio.Reader
	out io.Writer

	// interactive is set inside the shell, where syncing runs in the
	// background and commands do not flush on their own.
	interactive bool
	now         func() time.Time
}

func NewShell(b Backend, in io.Reader, out io.Writer) *Shell {
	return &Shell{b: b, in: bufio.NewReader(in), out: out, now: time.Now}
}

// Execute runs the command line args.
func (s *Shell) Execute(ctx context.Context, args []string) error {
	root := s.rootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (s *Shell) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "roomies",
		Short:         "Shared household chores, offline first",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(s.out)
	root.SetErr(s.out)

	// read by config.LoadConfig straight from os.Args; declared so cobra
	// accepts them
	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (json or toml)")
	pf.StringP("server", "a", "", "backend base URL")
	pf.StringP("health", "g", "", "gRPC health endpoint host:port")
	pf.StringP("db", "d", "", "local database path")
	pf.IntP("online-interval", "i", 0, "online check interval, seconds")
	pf.IntP("pull-interval", "p", 0, "pull interval, seconds")

	root.AddCommand(
		s.signUpCommand(),
		s.signInCommand(),
		s.signOutCommand(),
		s.statusCommand(),
		s.syncCommand(),
		s.conflictsCommand(),
		s.householdCommand(),
		s.taskCommand(),
		s.watchCommand(),
	)
	if !s.interactive {
		root.AddCommand(s.shellCommand())
	}
	return root
}

func (s *Shell) signUpCommand() *cobra.Command {
	var email, name, color string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var err error
			if email == "" {
				if email, err = GetSimpleText(s.in, "Enter email", s.out); err != nil {
					return err
				}
			}
			if name == "" {
				if name, err = GetSimpleText(s.in, "Display name", s.out); err != nil {
					return err
				}
			}
			pw, err := getPassword(s.out)
			if err != nil {
				return err
			}
			defer common.WipeByteArray(pw)

			sess, err := s.b.SignUp(ctx, email, string(pw), profile(name, color))
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Welcome, %s (user %s)\n", name, sess.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&color, "color", "", "avatar color, e.g. #ff8800")
	return cmd
}

func (s *Shell) signInCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in to an existing account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if email == "" {
				if email, err = GetSimpleText(s.in, "Enter email", s.out); err != nil {
					return err
				}
			}
			pw, err := getPassword(s.out)
			if err != nil {
				return err
			}
			defer common.WipeByteArray(pw)

			if _, err := s.b.SignIn(cmd.Context(), email, string(pw)); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Signed in")
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func (s *Shell) signOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and remove local data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.b.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Signed out")
			return nil
		},
	}
}

func (s *Shell) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := s.b.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(s.out, st)
			return nil
		},
	}
}

func (s *Shell) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull remote ones now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.b.SyncNow(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Up to date")
			return nil
		},
	}
}

func (s *Shell) conflictsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List local changes that lost to newer server data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := s.b.Conflicts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printConflicts(s.out, list)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "how many to show")
	return cmd
}

func (s *Shell) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync in the background and print changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := s.b.Start(ctx); err != nil {
				return err
			}
			changes := make(chan store.Change, 64)
			stop := s.b.Watch(func(c store.Change) {
				select {
				case changes <- c:
				default:
				}
			})
			defer stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case c := <-changes:
					printChange(s.out, c)
				}
			}
		},
	}
}

func (s *Shell) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive mode with background sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := s.b.Start(ctx); err != nil && !errors.Is(err, common.ErrNotAuthenticated) {
				return err
			}

			// prompts inside commands read from the same line stream
			sc := bufio.NewScanner(s.in)
			inner := &Shell{b: s.b, in: bufio.NewReader(&scannerReader{sc: sc}), out: s.out, interactive: true, now: s.now}
			printlnFn("Roomies shell (type 'help' for commands, 'exit' to leave)")
			runREPL(ctx, inner.Execute, func() string { return s.prompt(ctx) }, sc)
			return nil
		},
	}
}

func (s *Shell) prompt(ctx context.Context) string {
	st, err := s.b.Status(ctx)
	if err != nil {
		return ""
	}
	if st.Pending > 0 {
		return fmt.Sprintf("(%s, %d pending)", st.State, st.Pending)
	}
	return fmt.Sprintf("(%s)", st.State)
}

// flush tries to send a change right away in one-shot mode. Being offline
// is fine: the change stays queued for the next sync.
func (s *Shell) flush(ctx context.Context) {
	if s.interactive {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := s.b.SyncNow(ctx); err != nil {
		fmt.Fprintln(s.out, "Saved locally; will sync later:", err)
	}
}

// scannerReader feeds the lines of sc, one per Read.
type scannerReader struct {
	sc *bufio.Scanner
}

func (r *scannerReader) Read(p []byte) (int, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	n := copy(p, r.sc.Bytes())
	if n < len(p) {
		p[n] = '\n'
		n++
	}
	return n, nil
}

// getPassword is swapped in tests.
var getPassword = GetPassword

func profile(name, color string) auth.Profile {
	return auth.Profile{DisplayName: name, AvatarColor: color}
}

func printChange(w io.Writer, c store.Change) {
	origin := "local"
	if c.Source == store.SourceRemote {
		origin = "server"
	}
	verb := "changed"
	if c.Deleted {
		verb = "deleted"
	}
	fmt.Fprintf(w, "%s %s %s (%s)\n", c.Kind, c.EntityID, verb, origin)
}
