// Command bifrost is the single binary that runs Bifrost Bridge and exposes
// its CLI utility modes (generate-config, init-encryption-key, encrypt), per
// spec.md §6. The flag surface and exit-code discipline follow the teacher's
// cmd/server/main.go in spirit (one small main wiring config -> engine ->
// listener) but the flag parsing itself is grounded on the xypriss-sys-go CLI
// (github.com/spf13/cobra root command with PersistentFlags, one Execute()
// entrypoint) rather than the teacher's flag-free, env-only main.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional (BIFROST_SECRET_DIR for --init-encryption-key and
	// --encrypt); its absence is not an error, same as the teacher's main.go.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "bifrost: warning: could not load .env (%v)\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "bifrost: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error produced by the command tree to the exit codes
// spec.md §6 names: 1 for configuration/validation failure, 2 for runtime
// failure (port bind, TLS load). Commands that want a specific code wrap
// their error with wrapExit; anything else defaults to 1.
func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func wrapExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}
