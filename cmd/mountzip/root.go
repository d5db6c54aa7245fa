// Command mountzip mounts a zip archive as a read-only FUSE
// filesystem (spec §6). Grounded on the teacher's own cmd/root.go:
// a single cobra.Command accepting the archive path and mount point,
// options bound through both `-o` and long flags, Execute() exiting
// non-zero on any returned error.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mount-zip/mount-zip/internal/mount"
	"github.com/mount-zip/mount-zip/internal/mountopts"
)

var (
	dashO []string
	v     = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "mount-zip [options] <archive-path> <mount-point>",
	Short: "Mount a zip archive as a read-only filesystem",
	Long: `mount-zip mounts the contents of a zip archive as a read-only
FUSE filesystem, decoding entries on demand. The passphrase for an
encrypted archive is read from standard input (first line); any
subsequent input is ignored.`,
	Args: validateArgs,
	RunE: runMount,
}

// validateArgs distinguishes a missing archive path (exit code 38,
// spec §6) from an ordinary usage error.
func validateArgs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return &mount.Error{Kind: mount.MountFailure, ExitCode: mount.ExitNoArchivePath, Err: fmt.Errorf("no archive path was given")}
	}
	return cobra.ExactArgs(2)(cmd, args)
}

func init() {
	fs := rootCmd.Flags()
	fs.StringArrayVarP(&dashO, "option", "o", nil, "mount option, key[=value], may be repeated")
	if err := mountopts.BindFlags(v, fs); err != nil {
		panic(err)
	}
}

func runMount(cmd *cobra.Command, args []string) error {
	archivePath, mountPoint := args[0], args[1]

	var expanded []string
	for _, o := range dashO {
		expanded = append(expanded, mountopts.SplitCommaList(o)...)
	}
	opts, err := mountopts.Load(v, expanded)
	if err != nil {
		return err
	}

	passphrase, err := readPassphrase(os.Stdin)
	if err != nil {
		return err
	}

	cfg := mount.Config{
		ArchivePath: archivePath,
		MountPoint:  mountPoint,
		Passphrase:  passphrase,
		Options:     opts,
	}

	m, err := mount.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	if err := m.Join(cmd.Context()); err != nil {
		m.Close()
		return err
	}
	return m.Close()
}

// readPassphrase reads the first line of r, dropping the trailing
// newline and ignoring anything after it. A closed or empty stdin is
// not an error: it simply yields an empty passphrase.
func readPassphrase(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
