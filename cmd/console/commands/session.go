package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/opsconsole/console/internal/backend"
	"github.com/opsconsole/console/internal/config"
	"github.com/opsconsole/console/internal/console"
	"github.com/opsconsole/console/internal/printer"
	"github.com/opsconsole/console/internal/session"
	"github.com/opsconsole/console/pkg/realtime"
	"github.com/spf13/cobra"
)

// env is what every command needs: a printer bound to the command's
// streams, the resolved profile and the token store.
type env struct {
	p     *printer.Printer
	cfg   *config.ConsoleConfig
	store *session.Store
}

func newEnv(cmd *cobra.Command) (*env, error) {
	p := printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())

	path := configPath
	if path == "" {
		path = config.DefaultFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, p.Error(
			"invalid configuration",
			err.Error(),
			[]string{fmt.Sprintf("Check %s or the CONSOLE_* environment variables", profileName())},
		)
	}
	if apiURLFlag != "" {
		cfg.APIURL = apiURLFlag
	}
	if tokenFileFlag != "" {
		cfg.TokenFile = tokenFileFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, p.Error("invalid configuration", err.Error(), []string{"Check the --api-url and --token-file flags"})
	}

	tokenPath := cfg.TokenFile
	if tokenPath == "" {
		if tokenPath, err = session.DefaultTokenPath(); err != nil {
			return nil, err
		}
	}

	return &env{p: p, cfg: cfg, store: session.NewStore(tokenPath)}, nil
}

func profileName() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultFile
}

func (e *env) logger(cmd *cobra.Command) *log.Logger {
	if verbose {
		return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// loadSession opens the stored session.
func (e *env) loadSession() (*session.Session, error) {
	sess, err := e.store.Load()
	if errors.Is(err, session.ErrNoStoredToken) {
		return nil, e.p.Error(
			"not logged in",
			fmt.Sprintf("No access token found at %s.", e.store.Path()),
			[]string{"Log in first:\n  console login --username <email>"},
		)
	}
	if err != nil {
		return nil, e.p.Error(
			"stored token is unreadable",
			err.Error(),
			[]string{"Log in again:\n  console login --username <email>"},
		)
	}
	if !sess.Authenticated() {
		return nil, e.sessionExpired()
	}
	return sess, nil
}

func (e *env) sessionExpired() error {
	if err := e.store.Clear(); err != nil {
		e.p.Warning("%v\n", err)
	}
	return e.p.Error(
		"session expired",
		"The backend no longer accepts the stored access token.",
		[]string{"Log in again:\n  console login --username <email>"},
	)
}

// runtime builds a runtime for the stored session without connecting it.
func (e *env) runtime(cmd *cobra.Command) (*console.Runtime, error) {
	sess, err := e.loadSession()
	if err != nil {
		return nil, err
	}
	rt, err := console.New(e.cfg, sess, console.WithLogger(e.logger(cmd)))
	if err != nil {
		return nil, fmt.Errorf("failed to build session runtime: %w", err)
	}
	return rt, nil
}

// connect builds a runtime and opens its channel.
func (e *env) connect(ctx context.Context, cmd *cobra.Command) (*console.Runtime, error) {
	rt, err := e.runtime(cmd)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		return nil, e.connectFailed(err)
	}
	return rt, nil
}

func (e *env) connectFailed(err error) error {
	if backend.IsUnauthorized(err) || errors.Is(err, console.ErrNotAuthenticated) {
		return e.sessionExpired()
	}

	var terr *realtime.TransportError
	if errors.As(err, &terr) {
		return e.p.ErrorWithContext(
			"real-time channel failed",
			fmt.Sprintf("Could not open the channel: %v", terr.Err),
			map[string]string{"api_url": e.cfg.APIURL, "channel": terr.URL},
			[]string{
				"Check that the backend is running and reachable",
				"Point the console at another backend:\n  console --api-url http://host:8000/api/v1 ...",
			},
		)
	}
	return fmt.Errorf("failed to start session: %w", err)
}

// backendFailed renders a REST failure.
func (e *env) backendFailed(action string, err error) error {
	if backend.IsUnauthorized(err) {
		return e.sessionExpired()
	}

	var rej *backend.RejectionError
	if errors.As(err, &rej) {
		return e.p.ErrorWithContext(
			fmt.Sprintf("failed to %s", action),
			rej.Error(),
			map[string]string{"api_url": e.cfg.APIURL},
			nil,
		)
	}
	return e.p.ErrorWithContext(
		fmt.Sprintf("failed to %s", action),
		err.Error(),
		map[string]string{"api_url": e.cfg.APIURL},
		[]string{"Check that the backend is running and reachable"},
	)
}
