package commands

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgecli/sapcast/internal/config"
	"github.com/edgecli/sapcast/internal/discovery"
	"github.com/edgecli/sapcast/internal/mdns"
	"github.com/edgecli/sapcast/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the sessions a directory has catalogued",
	Long: `Read the sessions.toml index written by "sapcast directory" and print
the sessions it currently holds.

With --browse, ask the link instead: sessions published over DNS-SD by any
"sapcast directory --mdns" are collected for the given time.`,
	RunE: runList,
}

func init() {
	f := listCmd.Flags()
	f.StringP("output-dir", "o", "", "Directory the catalog lives in (default: current dir)")
	f.String("index", "", "Catalog file name (default: sessions.toml)")
	f.Duration("browse", 0, "Browse DNS-SD for this long instead of reading the catalog")

	bindKey(f, "output-dir", config.KeyDirectoryOutputDir)
	bindKey(f, "index", config.KeyDirectoryIndexFile)

	rootCmd.AddCommand(listCmd)
}

// indexPath resolves the catalog location the same way the directory does
func indexPath() (string, error) {
	name := cfg.Directory.IndexFile
	if name == "" {
		return "", fmt.Errorf("no catalog: %s is empty", config.KeyDirectoryIndexFile)
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	return filepath.Join(cfg.Directory.OutputDir, name), nil
}

func runList(cmd *cobra.Command, args []string) error {
	if d, _ := cmd.Flags().GetDuration("browse"); d > 0 {
		return runBrowse(cmd.Context(), d)
	}

	path, err := indexPath()
	if err != nil {
		return err
	}

	entries, updated, err := discovery.ReadIndex(path)
	if err != nil {
		return err
	}
	if updated.IsZero() {
		fmt.Printf("No catalog at %s. Is \"sapcast directory\" running?\n", path)
		return nil
	}
	if len(entries) == 0 {
		fmt.Printf("No live sessions %s\n", ui.RenderDim("(catalog updated "+updated.Local().Format(time.RFC3339)+")"))
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		rows = append(rows, []string{
			e.Key,
			name,
			strconv.FormatUint(uint64(e.Version), 10),
			e.Origin,
			ui.RenderAge(e.LastSeen, now),
			e.File,
		})
	}

	fmt.Printf("Sessions (%d):\n\n", len(entries))
	fmt.Print(ui.RenderTable([]string{"SESSION", "NAME", "VERSION", "ORIGIN", "SEEN", "FILE"}, rows))
	fmt.Println()
	fmt.Println(ui.RenderDim("Catalog updated " + ui.RenderAge(updated, now) + " ago"))
	return nil
}

func runBrowse(parent context.Context, d time.Duration) error {
	ctx, stop := signalContext(parent)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	spinner := ui.NewSpinner(fmt.Sprintf("Browsing %s.%s", mdns.ServiceType, mdns.Domain))
	spinner.Start()
	sessions, err := mdns.Browse(ctx)
	spinner.Stop()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions published on this link")
		return nil
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		name := s.Name
		if name == "" {
			name = "-"
		}
		media := net.JoinHostPort(s.Group, strconv.Itoa(s.Port))
		if s.Source != "" {
			media += " from " + s.Source
		}
		rows = append(rows, []string{
			s.Key,
			name,
			strconv.FormatUint(uint64(s.Version), 10),
			s.Origin,
			media,
		})
	}

	fmt.Printf("Sessions on the link (%d):\n\n", len(sessions))
	fmt.Print(ui.RenderTable([]string{"SESSION", "NAME", "VERSION", "ORIGIN", "MEDIA"}, rows))
	return nil
}
