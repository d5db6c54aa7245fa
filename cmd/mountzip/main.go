package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mount-zip/mount-zip/internal/mount"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to the bit-exact exit code table
// in spec §6, defaulting to 1 for anything not covered by it.
func exitCodeFor(err error) int {
	var merr *mount.Error
	if errors.As(err, &merr) {
		return merr.ExitCode
	}
	return 1
}
