package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.False(t, cfg.Verbose)
	assert.Equal(t, "224.2.127.254", cfg.SAP.Group)
	assert.Equal(t, 9875, cfg.SAP.Port)
	assert.Equal(t, 1, cfg.SAP.TTL)
	assert.Equal(t, 1024, cfg.SAP.MaxFrame)
	assert.Equal(t, 3, cfg.Announce.BurstCount)
	assert.Equal(t, time.Second, cfg.Announce.BurstSpacing)
	assert.Equal(t, 20*time.Second, cfg.Announce.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Directory.ExpireAfter)
	assert.Equal(t, 30*time.Second, cfg.Directory.SweepInterval)
	assert.Equal(t, "sessions.toml", cfg.Directory.IndexFile)
	assert.Equal(t, "gst-launch-1.0", cfg.Pipeline.Command)
	require.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
verbose = true

[sap]
port = 9999
ttl = 4

[directory]
expire_after = "90s"
output_dir = "/srv/sdp"
cleanup_on_exit = true
`)

	v := viper.New()
	Prepare(v, path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.True(t, cfg.Verbose)
	assert.Equal(t, 9999, cfg.SAP.Port)
	assert.Equal(t, 4, cfg.SAP.TTL)
	assert.Equal(t, 90*time.Second, cfg.Directory.ExpireAfter)
	assert.Equal(t, "/srv/sdp", cfg.Directory.OutputDir)
	assert.True(t, cfg.Directory.CleanupOnExit)
	// untouched keys keep their defaults
	assert.Equal(t, "224.2.127.254", cfg.SAP.Group)
	assert.Equal(t, 20*time.Second, cfg.Announce.Interval)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
[sap]
port = 9999
ttl = 4
`)
	t.Setenv("SAPCAST_SAP_TTL", "8")
	t.Setenv("SAPCAST_ANNOUNCE_INTERVAL", "5s")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse([]string{"--port", "7000"}))

	v := viper.New()
	Prepare(v, path)
	require.NoError(t, v.BindPFlag(KeySAPPort, flags.Lookup("port")))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.SAP.Port, "flag beats file")
	assert.Equal(t, 8, cfg.SAP.TTL, "env beats file")
	assert.Equal(t, 5*time.Second, cfg.Announce.Interval)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	v := viper.New()
	Prepare(v, filepath.Join(t.TempDir(), "absent.toml"))
	_, err := Load(v)
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port", "[sap]\nport = 70000\n"},
		{"ttl", "[sap]\nttl = 0\n"},
		{"interval", "[announce]\ninterval = \"0s\"\n"},
		{"expiry", "[directory]\nexpire_after = \"-1s\"\n"},
		{"restart bounds", "[pipeline]\nrestart_min = \"10s\"\nrestart_max = \"1s\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			Prepare(v, writeConfig(t, tt.body))
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}

func TestDump(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set(KeyDirectoryExpireAfter, 90*time.Second)

	out, err := Dump(v)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "expire_after = ")
	assert.Contains(t, text, "1m30s")
	assert.Contains(t, text, "port = 9875")
	assert.Contains(t, text, "[directory]")
}
