// foreman is the command-line client for the foreman-server HTTP API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 success, 1 user error (bad input, not found, conflict),
// 2 service error (server unreachable or internal failure).
const (
	exitOK      = 0
	exitUser    = 1
	exitService = 2
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		code := exitService
		var userErr *userError
		if errors.As(err, &userErr) {
			code = exitUser
		}
		fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
		os.Exit(code)
	}
	os.Exit(exitOK)
}

// userError marks failures caused by the caller rather than the service.
type userError struct {
	err error
}

func (e *userError) Error() string { return e.err.Error() }
func (e *userError) Unwrap() error { return e.err }

func userErrorf(format string, args ...any) error {
	return &userError{err: fmt.Errorf(format, args...)}
}

func newRootCommand() *cobra.Command {
	var (
		serverURL string
		token     string
	)
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Submit and watch work orders on a foreman server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("FOREMAN_SERVER", "http://localhost:8420"), "server base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("FOREMAN_TOKEN"), "bearer token for mutating commands")

	client := &apiClient{}
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		client.baseURL = serverURL
		client.token = token
	}

	root.AddCommand(
		newSubmitCommand(client),
		newListCommand(client),
		newGetCommand(client),
		newCancelCommand(client),
		newWatchCommand(client),
	)
	return root
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
