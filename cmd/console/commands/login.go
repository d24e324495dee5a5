package commands

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsconsole/console/internal/backend"
	"github.com/opsconsole/console/internal/session"
	"github.com/spf13/cobra"
)

var (
	loginUsername      string
	loginPassword      string
	loginPasswordStdin bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the access token",
	Long: `Log in with an email and password and store the access token.

The token is written to the token file (mode 0600) and used by every other
command until it expires or 'console logout' removes it.

Examples:
  # Log in, reading the password from a pipe
  echo "$PASSWORD" | console login --username ops@example.com --password-stdin

  # Log in against another backend
  console login -u ops@example.com -p secret --api-url https://crm.example.com/api/v1`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored access token",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show who the stored session belongs to",
	RunE:  runWhoami,
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Account email (required)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password")
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "Read the password from stdin")
	loginCmd.MarkFlagRequired("username")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	password := loginPassword
	if loginPasswordStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password from stdin: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return e.p.Error(
			"password required",
			"No password was given.",
			[]string{"Pass it with --password, or pipe it in with --password-stdin"},
		)
	}

	client, err := backend.NewClient(e.cfg.APIURL, nil, backend.WithTimeout(e.cfg.Timeout()))
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	tok, err := client.Login(cmd.Context(), loginUsername, password)
	if err != nil {
		var rej *backend.RejectionError
		if errors.As(err, &rej) && rej.StatusCode < 500 {
			return e.p.Error("login failed", rej.Detail, []string{"Check the email and password"})
		}
		return e.backendFailed("log in", err)
	}

	sess, err := session.New(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("backend returned an unusable token: %w", err)
	}

	authed, err := backend.NewClient(e.cfg.APIURL, sess, backend.WithTimeout(e.cfg.Timeout()))
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}
	if err := sess.Resolve(cmd.Context(), authed); err != nil {
		return e.backendFailed("look up the account", err)
	}

	if err := e.store.Save(tok.AccessToken); err != nil {
		return err
	}

	e.p.Success("Logged in as %s (%s)\n", displayName(sess), sess.Identity())
	e.p.Muted("Token stored in %s\n", e.store.Path())
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	if err := e.store.Clear(); err != nil {
		return err
	}
	e.p.Success("Logged out\n")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	rt, err := e.runtime(cmd)
	if err != nil {
		return err
	}

	sess := rt.Session()
	if err := sess.Resolve(cmd.Context(), rt.Client()); err != nil {
		return e.backendFailed("look up the account", err)
	}

	id := sess.Identity()
	e.p.Printf("Email:     %s\n", displayName(sess))
	e.p.Printf("User:      %d\n", id.UserID)
	if id.TenantID != nil {
		e.p.Printf("Tenant:    %d\n", *id.TenantID)
	} else {
		e.p.Printf("Tenant:    none\n")
	}
	e.p.Printf("Superuser: %t\n", sess.Superuser())
	if exp, ok := sess.ExpiresAt(); ok {
		e.p.Printf("Expires:   %s\n", exp.Local().Format(time.RFC3339))
	}
	return nil
}

func displayName(sess *session.Session) string {
	if email := sess.Email(); email != "" {
		return email
	}
	return "unknown"
}
