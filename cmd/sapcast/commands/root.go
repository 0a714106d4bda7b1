package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgecli/sapcast/internal/config"
	"github.com/edgecli/sapcast/internal/ui"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

// viperKeyAnnotation marks a flag as the override of a config key
const viperKeyAnnotation = "sapcast/viper-key"

var (
	settings = viper.New()
	cfg      = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "sapcast",
	Short: "sapcast - multicast session announcement and directory",
	Long: `sapcast announces RTP/H.264 multicast test streams on the SAP group and
runs a directory that keeps one session description file per live stream.

Use "sapcast [command] --help" for more information about a command.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.BoolP("verbose", "v", false, "Enable verbose output")
	pf.String("config", "", "Config file (default: ~/.sapcast/config.toml)")
	pf.Bool("no-color", false, "Disable colored output")
	pf.String("sap-group", "", "Announcement multicast group (default: 224.2.127.254)")
	pf.Int("sap-port", 0, "Announcement port (default: 9875)")
	pf.String("interface", "", "Network interface for multicast")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")

	bindKey(pf, "verbose", config.KeyVerbose)
	bindKey(pf, "sap-group", config.KeySAPGroup)
	bindKey(pf, "sap-port", config.KeySAPPort)
	bindKey(pf, "interface", config.KeySAPInterface)
	bindKey(pf, "metrics-addr", config.KeyMetricsAddr)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(debugCmd)
}

// bindKey annotates flag name as the override for key. The binding itself
// happens in loadConfig so only the running command's flags take part.
func bindKey(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, viperKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

// loadConfig resolves defaults, the config file, SAPCAST_* variables and
// the flags of the running command into cfg.
func loadConfig(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	config.Prepare(settings, configFile)

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = settings.BindPFlag(keys[0], f)
	})
	if bindErr != nil {
		return fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	loaded, err := config.Load(settings)
	if err != nil {
		return err
	}
	cfg = loaded

	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		ui.SetNoColor(true)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// debugf logs only with --verbose
func debugf(format string, args ...any) {
	if cfg.Verbose {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sapcast\n")
		fmt.Printf("  Version:  %s\n", Version)
		fmt.Printf("  Commit:   %s\n", Commit)
		fmt.Printf("  Platform: %s/%s (%s)\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}
