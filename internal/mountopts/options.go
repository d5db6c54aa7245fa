// Package mountopts parses the mount option set from spec §4.6: both
// the traditional `-o key[=val],...` form and long `--flag` form,
// merged by viper into one typed Options struct.
package mountopts

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Octal is a permission mask parsed from an octal string ("0022"),
// mirroring the teacher's own Octal config type and its dedicated
// mapstructure decode hook.
type Octal uint32

// Options is the full recognized mount option set (spec §4.6 table).
type Options struct {
	Encoding           string `mapstructure:"encoding"`
	Force              bool   `mapstructure:"force"`
	NoCache            bool   `mapstructure:"nocache"`
	Precache           bool   `mapstructure:"precache"`
	NoSymlinks         bool   `mapstructure:"nosymlinks"`
	NoHardlinks        bool   `mapstructure:"nohardlinks"`
	NoSpecials         bool   `mapstructure:"nospecials"`
	NoTrim             bool   `mapstructure:"notrim"`
	DMask              Octal  `mapstructure:"dmask"`
	FMask              Octal  `mapstructure:"fmask"`
	DefaultPermissions bool   `mapstructure:"default_permissions"`
}

// Default returns the zero-value option set: libzip name decoding,
// buffered (cached) reads, every entry kind kept, root lifting on.
func Default() Options {
	return Options{Encoding: "libzip"}
}

// ParseDashO merges one `-o key[=val][,key[=val]...]` argument into
// accum. A bare key with no `=` is recorded with the value "true",
// which mapstructure's weak typing decodes into `true` for bool
// fields. Mirrors the teacher's own repeated-`-o`-flag accumulation
// shape (cmd's getFuseMountConfig folding FileSystem.FuseOptions one
// entry at a time into a single map via mount.ParseOptions).
func ParseDashO(accum map[string]string, s string) {
	for _, tok := range strings.Split(s, ",") {
		if tok == "" {
			continue
		}
		if i := strings.IndexByte(tok, '='); i >= 0 {
			accum[tok[:i]] = tok[i+1:]
		} else {
			accum[tok] = "true"
		}
	}
}

// octalHookFunc converts a string into an Octal by parsing it base 8,
// the same shape as the teacher's cfg/decode_hook.go hookFunc for its
// own Octal type.
func octalHookFunc() mapstructure.DecodeHookFuncType {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Octal(0)) {
			return data, nil
		}
		v, err := strconv.ParseUint(data.(string), 8, 32)
		if err != nil {
			return nil, err
		}
		return Octal(v), nil
	}
}

// Decode turns an accumulated `-o` map (string values throughout, as
// produced by ParseDashO) into a typed Options, starting from
// defaults and overriding only the keys present in m. Unrecognized
// keys are rejected: ErrorUnused makes a typo in `-o` fail loudly
// instead of silently no-op-ing.
func Decode(m map[string]string) (Options, error) {
	opts := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			octalHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return Options{}, err
	}
	if err := dec.Decode(m); err != nil {
		return Options{}, err
	}
	return opts, nil
}
