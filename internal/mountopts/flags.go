package mountopts

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers the long-form `--flag` equivalent of every `-o`
// key on flagSet and binds each to viper under the same key, mirroring
// the teacher's own cfg.BindFlags (flagSet.BoolP/StringP followed by
// viper.BindPFlag, one pair per option).
func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	flagSet.String("encoding", "libzip", "Override archive name decoding (libzip, cp437, shift-jis, euc-kr, ...).")
	flagSet.Bool("force", false, "Tolerate damaged or encrypted entries; mount anyway.")
	flagSet.Bool("nocache", false, "Disable per-entry scratch files; serve reads from one decode stream per entry, restarted on backward seeks.")
	flagSet.Bool("precache", false, "Decode each entry fully into its scratch file when it is first opened.")
	flagSet.Bool("nosymlinks", false, "Drop symlink entries from the mounted tree.")
	flagSet.Bool("nohardlinks", false, "Materialize hardlink groups as independent files.")
	flagSet.Bool("nospecials", false, "Drop block/char/fifo/socket entries.")
	flagSet.Bool("notrim", false, "Disable root-singleton lifting.")
	flagSet.String("dmask", "0", "Octal mask ORed into directory mode clear bits.")
	flagSet.String("fmask", "0", "Octal mask ORed into file mode clear bits.")
	flagSet.Bool("default_permissions", false, "Surface archive mode/uid/gid verbatim; let the kernel enforce access.")

	for _, key := range []string{
		"encoding", "force", "nocache", "precache", "nosymlinks",
		"nohardlinks", "nospecials", "notrim", "dmask", "fmask",
		"default_permissions",
	} {
		if err := v.BindPFlag(key, flagSet.Lookup(key)); err != nil {
			return err
		}
	}
	return nil
}

// Load merges every `-o` argument (dashO) over the flags already bound
// to v, then decodes the result into an Options. `-o` wins over long
// flags on conflicting keys, matching GNU mount's own precedence for
// options given both ways.
func Load(v *viper.Viper, dashO []string) (Options, error) {
	m := make(map[string]string, len(v.AllSettings()))
	for key, val := range v.AllSettings() {
		if s, ok := val.(string); ok {
			if s == "" {
				continue
			}
			m[key] = s
		} else if b, ok := val.(bool); ok && b {
			m[key] = "true"
		}
	}
	for _, o := range dashO {
		ParseDashO(m, o)
	}
	return Decode(m)
}

// SplitCommaList is a small helper for flags that accept a
// comma-separated repeated value, e.g. multiple `-o` invocations
// joined by the shell.
func SplitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
