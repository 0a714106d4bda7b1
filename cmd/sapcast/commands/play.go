package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgecli/sapcast/internal/config"
	"github.com/edgecli/sapcast/internal/discovery"
	"github.com/edgecli/sapcast/internal/pipeline"
	"github.com/edgecli/sapcast/internal/probe"
	"github.com/edgecli/sapcast/internal/ui"
)

var playCmd = &cobra.Command{
	Use:   "play <session|file.sdp>",
	Short: "Play a catalogued session",
	Long: `Open a session written by "sapcast directory" in a local player.

The argument is either a path to an .sdp file or a session key, which is
looked up in --output-dir.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	f := playCmd.Flags()
	f.StringP("output-dir", "o", "", "Directory holding session files (default: current dir)")
	f.String("gst", "", "Media engine binary (default: gst-launch-1.0)")

	bindKey(f, "output-dir", config.KeyDirectoryOutputDir)
	bindKey(f, "gst", config.KeyPipelineCommand)

	rootCmd.AddCommand(playCmd)
}

// resolveSessionFile maps a session key or file path to an existing file
func resolveSessionFile(arg string) (string, error) {
	candidates := []string{arg}
	if !strings.HasSuffix(arg, discovery.SessionFileExt) {
		candidates = append(candidates, filepath.Join(cfg.Directory.OutputDir, arg+discovery.SessionFileExt))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("no session file for %q in %s", arg, cfg.Directory.OutputDir)
}

// requireEngine fails early when the media engine binary is missing
func requireEngine(name string) error {
	if !pipeline.CommandExists(name) {
		return fmt.Errorf("media engine %q not found in PATH (set --gst or %s)", name, config.KeyPipelineCommand)
	}
	return nil
}

func runPlay(cmd *cobra.Command, args []string) error {
	path, err := resolveSessionFile(args[0])
	if err != nil {
		return err
	}
	if err := requireEngine(cfg.Pipeline.Command); err != nil {
		return err
	}
	target, err := probe.LoadTarget(path)
	if err != nil {
		return err
	}
	player, err := pipeline.PlayerCommand(cfg.Pipeline.Command, path)
	if err != nil {
		return err
	}

	fmt.Print(ui.RenderCard(ui.CardOptions{
		Title: "Playing " + target.Name,
		Fields: []ui.Field{
			{Label: "File", Value: path},
			{Label: "Media", Value: target.String()},
			{Label: "Player", Value: player.String()},
		},
	}))

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	sup := pipeline.NewSupervisor(player)
	sup.RestartMin = cfg.Pipeline.RestartMin
	sup.RestartMax = cfg.Pipeline.RestartMax
	sup.Grace = cfg.Pipeline.Grace
	if cfg.Verbose {
		sup.Stdout = os.Stdout
	}
	return sup.Run(ctx)
}
