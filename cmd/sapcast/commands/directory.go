package commands

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edgecli/sapcast/internal/config"
	"github.com/edgecli/sapcast/internal/discovery"
	"github.com/edgecli/sapcast/internal/mdns"
	"github.com/edgecli/sapcast/internal/metrics"
	"github.com/edgecli/sapcast/internal/sap"
	"github.com/edgecli/sapcast/internal/ui"
)

var directoryCmd = &cobra.Command{
	Use:     "directory",
	Aliases: []string{"dir", "discover"},
	Short:   "Listen for announcements and keep one .sdp file per session",
	Long: `Join the SAP group and maintain a live catalog of announced sessions.

Every live session is written to <output-dir>/<session>.sdp; the file is
removed when the sender withdraws it or stops refreshing it for longer
than --expire-after. A sessions.toml index lists the catalog.`,
	RunE: runDirectory,
}

func init() {
	f := directoryCmd.Flags()
	f.StringP("output-dir", "o", "", "Directory for session files (default: current dir)")
	f.Duration("expire-after", 0, "Remove sessions silent for longer than this (default: 5m)")
	f.Duration("sweep-interval", 0, "Expiry check period (default: 30s)")
	f.String("index", "", "Catalog file name, relative to --output-dir (default: sessions.toml)")
	f.Bool("cleanup", false, "Remove all session files on exit")
	f.Bool("mdns", false, "Also publish live sessions over DNS-SD (mDNS)")

	bindKey(f, "output-dir", config.KeyDirectoryOutputDir)
	bindKey(f, "expire-after", config.KeyDirectoryExpireAfter)
	bindKey(f, "sweep-interval", config.KeyDirectorySweepInterval)
	bindKey(f, "index", config.KeyDirectoryIndexFile)
	bindKey(f, "cleanup", config.KeyDirectoryCleanupOnExit)
	bindKey(f, "mdns", config.KeyDirectoryMDNS)

	rootCmd.AddCommand(directoryCmd)
}

// eventPrinter shows table changes as terminal event lines
type eventPrinter struct {
	svc func() []discovery.Entry
}

func (p *eventPrinter) OnSessionAnnounced(e discovery.Entry, isNew bool) {
	kind := ui.EventUpdate
	if isNew {
		kind = ui.EventNew
	}
	fmt.Println(ui.RenderEvent(time.Now(), kind, describeEntry(e)))
	p.showTable()
}

func (p *eventPrinter) OnSessionRemoved(e discovery.Entry, reason discovery.Reason) {
	kind := ui.EventWithdraw
	switch reason {
	case discovery.ReasonExpired:
		kind = ui.EventExpire
	case discovery.ReasonReplaced:
		kind = ui.EventReplace
	case discovery.ReasonShutdown:
		kind = ui.EventStop
	}
	fmt.Println(ui.RenderEvent(time.Now(), kind, describeEntry(e)))
	p.showTable()
}

// showTable prints the whole catalog after a change with --verbose
func (p *eventPrinter) showTable() {
	if !cfg.Verbose || p.svc == nil {
		return
	}
	fmt.Print(renderEntries(p.svc(), time.Now()))
}

func describeEntry(e discovery.Entry) string {
	name := e.Name
	if name == "" {
		name = e.Key
	}
	return fmt.Sprintf("%s %s", ui.Color(ui.Bold, name), ui.RenderDim(fmt.Sprintf("v%d from %s -> %s", e.Version, e.Origin, e.Path)))
}

func renderEntries(entries []discovery.Entry, now time.Time) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Key,
			strconv.FormatUint(uint64(e.Version), 10),
			e.Origin.String(),
			ui.RenderAge(e.LastSeen, now),
			e.Path,
		})
	}
	return ui.RenderTable([]string{"SESSION", "VERSION", "ORIGIN", "SEEN", "FILE"}, rows)
}

func runDirectory(cmd *cobra.Command, args []string) error {
	conn, err := sap.ListenGroup(cfg.SAP.Group, cfg.SAP.Port, cfg.SAP.Interface)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	printer := &eventPrinter{}
	opts := []discovery.Option{
		discovery.WithMetrics(metrics.NewDirectory(reg)),
		discovery.WithCallback(printer),
	}
	if cfg.Directory.MDNS {
		publisher := mdns.NewPublisher()
		defer publisher.Close()
		opts = append(opts, discovery.WithCallback(publisher))
	}
	svc, err := discovery.NewService(conn, discovery.Config{
		OutputDir:     cfg.Directory.OutputDir,
		ExpireAfter:   cfg.Directory.ExpireAfter,
		SweepInterval: cfg.Directory.SweepInterval,
		ReadTimeout:   cfg.Directory.ReadTimeout,
		IndexFile:     cfg.Directory.IndexFile,
		CleanupOnExit: cfg.Directory.CleanupOnExit,
	}, opts...)
	if err != nil {
		conn.Close()
		return err
	}
	printer.svc = svc.Sessions

	outDir, _ := filepath.Abs(svc.Store().Dir())
	fmt.Print(ui.RenderHeader("sapcast directory", ui.TerminalWidth(78)))
	fmt.Printf("  %s %s:%d\n", ui.RenderDim("Listening on"), cfg.SAP.Group, cfg.SAP.Port)
	fmt.Printf("  %s %s\n", ui.RenderDim("Writing to  "), outDir)
	fmt.Printf("  %s %s\n", ui.RenderDim("Expire after"), cfg.Directory.ExpireAfter)
	if cfg.Directory.MDNS {
		fmt.Printf("  %s %s.%s\n", ui.RenderDim("Publishing  "), mdns.ServiceType, mdns.Domain)
	}
	fmt.Println()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, reg) })
	}
	g.Go(func() error { return svc.Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("[INFO] directory: stopped")
	return nil
}
