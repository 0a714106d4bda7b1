package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edgecli/sapcast/internal/config"
	"github.com/edgecli/sapcast/internal/metrics"
	"github.com/edgecli/sapcast/internal/probe"
	"github.com/edgecli/sapcast/internal/ui"
)

var probeCmd = &cobra.Command{
	Use:   "probe <session|file.sdp>",
	Short: "Join a session and report the RTP it carries",
	Long: `Join the media group of a catalogued session and count RTP packets,
streams and sequence gaps until interrupted or --duration elapses.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	f := probeCmd.Flags()
	f.StringP("output-dir", "o", "", "Directory holding session files (default: current dir)")
	f.Duration("duration", 10*time.Second, "How long to listen (0 = until interrupted)")
	f.Duration("report", 2*time.Second, "Progress line period")

	bindKey(f, "output-dir", config.KeyDirectoryOutputDir)

	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	path, err := resolveSessionFile(args[0])
	if err != nil {
		return err
	}
	target, err := probe.LoadTarget(path)
	if err != nil {
		return err
	}

	conn, err := probe.Join(target, cfg.SAP.Interface)
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := metrics.NewRegistry()
	p := probe.New(conn, metrics.NewProbe(reg))

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	spinner := ui.NewSpinner(fmt.Sprintf("Waiting for RTP on %s", target))
	spinner.Start()

	report, _ := cmd.Flags().GetDuration("report")
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, reg) })
	}
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		if report <= 0 {
			return nil
		}
		ticker := time.NewTicker(report)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				packets, lost := p.Stats().Totals()
				if packets == 0 {
					if invalid := p.Stats().Invalid(); invalid > 0 {
						spinner.SetMessage(fmt.Sprintf("Waiting for RTP on %s, %d datagrams were not RTP", target, invalid))
					}
					continue
				}
				spinner.Stop()
				fmt.Printf("%s packets=%d lost=%d invalid=%d\n",
					ui.RenderDim(time.Now().Format("15:04:05")), packets, lost, p.Stats().Invalid())
			}
		}
	})

	err = g.Wait()
	spinner.Stop()
	if err != nil {
		return err
	}

	streams := p.Stats().Streams()
	if len(streams) == 0 {
		fmt.Printf("No RTP received on %s\n", target)
		return nil
	}

	rows := make([][]string, 0, len(streams))
	for _, st := range streams {
		rows = append(rows, []string{
			fmt.Sprintf("%08x", st.SSRC),
			strconv.Itoa(int(st.PayloadType)),
			strconv.FormatUint(st.Packets, 10),
			strconv.FormatUint(st.Bytes, 10),
			strconv.FormatUint(st.Lost, 10),
			strconv.FormatUint(st.Late, 10),
		})
	}
	fmt.Printf("\n%s %s\n\n", ui.Color(ui.Bold, target.Name), ui.RenderDim(target.String()))
	fmt.Print(ui.RenderTable([]string{"SSRC", "PT", "PACKETS", "BYTES", "LOST", "LATE"}, rows))
	if invalid := p.Stats().Invalid(); invalid > 0 {
		fmt.Println(ui.Color(ui.Yellow, fmt.Sprintf("%d datagrams were not RTP", invalid)))
	}
	return nil
}
