package commands

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/sapcast/internal/config"
	"github.com/edgecli/sapcast/internal/discovery"
	"github.com/edgecli/sapcast/internal/ui"
)

// execute runs the command tree with a clean home and fresh settings
func execute(t *testing.T, args ...string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	settings = viper.New()
	t.Cleanup(func() {
		settings = viper.New()
		cfg = config.Default()
		rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
}

func TestFlagsOverrideConfig(t *testing.T) {
	execute(t, "version", "--sap-port", "7000", "--verbose")

	assert.Equal(t, 7000, cfg.SAP.Port)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "224.2.127.254", cfg.SAP.Group)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("SAPCAST_DIRECTORY_EXPIRE_AFTER", "45s")
	execute(t, "version")

	assert.Equal(t, 45*time.Second, cfg.Directory.ExpireAfter)
}

func TestConfigFileFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sapcast.toml")
	require.NoError(t, os.WriteFile(path, []byte("[directory]\noutput_dir = \"/srv/sessions\"\n"), 0644))

	execute(t, "version", "--config", path)
	assert.Equal(t, "/srv/sessions", cfg.Directory.OutputDir)
}

func TestIndexPath(t *testing.T) {
	cfg = config.Default()
	t.Cleanup(func() { cfg = config.Default() })

	cfg.Directory.OutputDir = "/srv/sessions"
	path, err := indexPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/sessions", "sessions.toml"), path)

	cfg.Directory.IndexFile = "/var/lib/sapcast/index.toml"
	path, err = indexPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sapcast/index.toml", path)

	cfg.Directory.IndexFile = ""
	_, err = indexPath()
	assert.Error(t, err)
}

func TestResolveSessionFile(t *testing.T) {
	cfg = config.Default()
	t.Cleanup(func() { cfg = config.Default() })

	dir := t.TempDir()
	cfg.Directory.OutputDir = dir
	file := filepath.Join(dir, "Feed_A_-_Ball.sdp")
	require.NoError(t, os.WriteFile(file, []byte("v=0\n"), 0644))

	path, err := resolveSessionFile("Feed_A_-_Ball")
	require.NoError(t, err)
	assert.Equal(t, file, path)

	path, err = resolveSessionFile(file)
	require.NoError(t, err)
	assert.Equal(t, file, path)

	_, err = resolveSessionFile("Missing")
	assert.Error(t, err)
}

func TestRenderEntries(t *testing.T) {
	ui.SetNoColor(true)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	out := renderEntries([]discovery.Entry{
		{Key: "Cam", Version: 2, LastSeen: now.Add(-5 * time.Second), Path: "/srv/Cam.sdp"},
	}, now)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SESSION"))
	assert.Contains(t, lines[1], "Cam")
	assert.Contains(t, lines[1], "5s")
	assert.Contains(t, lines[1], "/srv/Cam.sdp")
}

func TestRequireEngine(t *testing.T) {
	err := requireEngine("sapcast-no-such-engine")
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.KeyPipelineCommand)

	if runtime.GOOS == "windows" {
		t.Skip("no sh on windows")
	}
	assert.NoError(t, requireEngine("sh"))
}
