package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgecli/sapcast/internal/config"
	"github.com/edgecli/sapcast/internal/ui"
)

// debugCmd is the parent command for debug subcommands
var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug and diagnostic commands",
	Long:  `Commands for debugging and diagnosing sapcast configuration.`,
}

// debugConfigCmd prints the effective configuration
var debugConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Long: `Print the configuration after defaults, the config file, SAPCAST_*
environment variables and flags have been merged.

This is useful to verify which config file was picked up and that
environment overrides are spelled correctly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := config.Dump(settings)
		if err != nil {
			return err
		}
		file := settings.ConfigFileUsed()
		if file == "" {
			file = "(none)"
		}
		fmt.Printf("# config file: %s\n", file)
		fmt.Print(string(out))
		return nil
	},
}

// debugPathsCmd prints the standard paths
var debugPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Print the config paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths()
		if err != nil {
			return err
		}
		if create, _ := cmd.Flags().GetBool("init"); create {
			if err := initConfigFile(paths); err != nil {
				return err
			}
		}
		fmt.Println("Paths:")
		fmt.Printf("  Config dir:  %s\n", paths.ConfigDir)
		fmt.Printf("  Config file: %s\n", paths.ConfigFile)
		fmt.Printf("  Logs dir:    %s\n", paths.LogsDir)
		return nil
	},
}

// initConfigFile creates the config directories and, when absent, a config
// file holding the defaults
func initConfigFile(paths *config.Paths) error {
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	if _, err := os.Stat(paths.ConfigFile); err == nil {
		return nil
	}

	defaults := viper.New()
	config.SetDefaults(defaults)
	data, err := config.Dump(defaults)
	if err != nil {
		return err
	}
	if err := os.WriteFile(paths.ConfigFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Println(ui.RenderSuccess("Wrote " + paths.ConfigFile))
	return nil
}

func init() {
	debugPathsCmd.Flags().Bool("init", false, "Create the config directory and a default config file")
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugPathsCmd)
}
