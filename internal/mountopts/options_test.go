package mountopts

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDefaults(t *testing.T) {
	opts, err := Decode(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "libzip", opts.Encoding)
	assert.False(t, opts.Force)
}

func TestDecodeDashOString(t *testing.T) {
	m := map[string]string{}
	ParseDashO(m, "force,dmask=022,encoding=cp437")
	opts, err := Decode(m)
	require.NoError(t, err)
	assert.True(t, opts.Force)
	assert.EqualValues(t, 022, opts.DMask)
	assert.Equal(t, "cp437", opts.Encoding)
}

func TestDecodeRejectsUnknownKey(t *testing.T) {
	m := map[string]string{"bogus": "true"}
	_, err := Decode(m)
	assert.Error(t, err)
}

func TestDecodeRejectsBadOctal(t *testing.T) {
	m := map[string]string{"fmask": "999"}
	_, err := Decode(m)
	assert.Error(t, err)
}

func TestLoadMergesFlagsAndDashO(t *testing.T) {
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--nocache", "--dmask=0022"}))

	opts, err := Load(v, []string{"force"})
	require.NoError(t, err)
	assert.True(t, opts.NoCache)
	assert.True(t, opts.Force)
	assert.EqualValues(t, 022, opts.DMask)
}
