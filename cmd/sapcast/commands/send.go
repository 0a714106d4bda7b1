package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edgecli/sapcast/internal/announcer"
	"github.com/edgecli/sapcast/internal/config"
	"github.com/edgecli/sapcast/internal/descriptor"
	"github.com/edgecli/sapcast/internal/metrics"
	"github.com/edgecli/sapcast/internal/origin"
	"github.com/edgecli/sapcast/internal/pipeline"
	"github.com/edgecli/sapcast/internal/sap"
	"github.com/edgecli/sapcast/internal/ui"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Stream a test pattern and announce it",
	Long: `Launch an RTP/H.264 multicast test stream and announce its session
description on the SAP group until interrupted.

The media group defaults to one derived from the session name in
239.255.0.0/16, so every sender with a distinct name gets its own group.

Examples:
  sapcast send --name "Feed A - Ball" --pattern ball
  sapcast send --group 239.255.0.42 --port 5006 --name "Camera 1"
  sapcast send --group 232.1.2.3 --source 192.0.2.50 --name "SSM Feed"

Stop with Ctrl-C; a withdraw is sent before exit.`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.String("name", "", "Session name (required)")
	f.String("group", "", "Media multicast group (default: derived from --name)")
	f.Int("port", descriptor.DefaultPort, "RTP port")
	f.Uint8("pt", descriptor.DefaultPayloadType, "RTP payload type")
	f.String("pattern", pipeline.DefaultPattern, "videotestsrc pattern")
	f.Int("bitrate", pipeline.DefaultBitrate, "Video bitrate in kbit/s")
	f.Int("ttl", 1, "Media multicast TTL")
	f.String("enc", descriptor.DefaultEncoding, "Encoding name for rtpmap")
	f.Uint32("clock", descriptor.DefaultClockRate, "Clock rate for rtpmap")
	f.String("profile-level-id", descriptor.DefaultProfileLevelID, "H.264 profile-level-id for fmtp")
	f.String("source", "", "Source address for a source-specific session")
	f.String("origin", "", "Origin address (default: outbound interface address)")
	f.Duration("interval", 0, "Steady announce interval (default: 20s)")
	f.Bool("loopback", true, "Deliver announcements to listeners on this host")
	f.Bool("no-pipeline", false, "Announce only; do not launch the media pipeline")
	f.String("gst", "", "Media engine binary (default: gst-launch-1.0)")
	_ = sendCmd.MarkFlagRequired("name")

	bindKey(f, "interval", config.KeyAnnounceInterval)
	bindKey(f, "gst", config.KeyPipelineCommand)

	rootCmd.AddCommand(sendCmd)
}

func sendParams(cmd *cobra.Command) (descriptor.Params, error) {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	params := descriptor.DefaultParams(name)

	if group, _ := f.GetString("group"); group != "" {
		addr, err := netip.ParseAddr(group)
		if err != nil {
			return params, fmt.Errorf("invalid --group: %w", err)
		}
		params.Group = addr
	}
	if source, _ := f.GetString("source"); source != "" {
		addr, err := netip.ParseAddr(source)
		if err != nil {
			return params, fmt.Errorf("invalid --source: %w", err)
		}
		params.Source = addr
	}
	params.Port, _ = f.GetInt("port")
	params.TTL, _ = f.GetInt("ttl")
	params.PayloadType, _ = f.GetUint8("pt")
	params.Encoding, _ = f.GetString("enc")
	params.ClockRate, _ = f.GetUint32("clock")
	params.ProfileLevelID, _ = f.GetString("profile-level-id")
	return params, params.Validate()
}

func runSend(cmd *cobra.Command, args []string) error {
	params, err := sendParams(cmd)
	if err != nil {
		return err
	}

	originAddr, _ := cmd.Flags().GetString("origin")
	if originAddr == "" && params.Source.IsValid() {
		originAddr = params.Source.String()
	}
	o, err := origin.Resolve(originAddr)
	if err != nil {
		return err
	}

	desc, err := descriptor.Build(o, params)
	if err != nil {
		return err
	}

	var media pipeline.Command
	noPipeline, _ := cmd.Flags().GetBool("no-pipeline")
	if !noPipeline {
		if err := requireEngine(cfg.Pipeline.Command); err != nil {
			return fmt.Errorf("%w; use --no-pipeline to announce only", err)
		}
		pattern, _ := cmd.Flags().GetString("pattern")
		bitrate, _ := cmd.Flags().GetInt("bitrate")
		media, err = pipeline.SenderCommand(cfg.Pipeline.Command, pipeline.Target{
			Group:       params.Group,
			Port:        params.Port,
			PayloadType: params.PayloadType,
			TTL:         params.TTL,
			Pattern:     pattern,
			Bitrate:     bitrate,
		})
		if err != nil {
			return err
		}
	}

	loopback, _ := cmd.Flags().GetBool("loopback")
	conn, dest, err := sap.OpenSender(cfg.SAP.Group, cfg.SAP.Port, sap.SenderOptions{
		TTL:       cfg.SAP.TTL,
		Interface: cfg.SAP.Interface,
		Loopback:  loopback,
	})
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	a := announcer.New(conn, dest, announcer.Options{
		MaxFrame: cfg.SAP.MaxFrame,
		Metrics:  metrics.NewAnnouncer(reg),
	})

	fmt.Print(ui.RenderCard(ui.CardOptions{
		Title: "Announcing " + params.Name,
		Fields: []ui.Field{
			{Label: "Session", Value: desc.Key},
			{Label: "Media", Value: fmt.Sprintf("%s:%d pt=%d ttl=%d", params.Group, params.Port, params.PayloadType, params.TTL)},
			{Label: "Origin", Value: o.String()},
			{Label: "SAP", Value: dest.String()},
		},
		Note: "Stop with Ctrl-C; a withdraw is sent before exit.",
	}))

	schedule := announcer.Schedule{
		BurstCount:   cfg.Announce.BurstCount,
		BurstSpacing: cfg.Announce.BurstSpacing,
		Interval:     cfg.Announce.Interval,
	}
	if err := a.Start(desc, schedule); err != nil {
		a.Stop()
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, reg) })
	}
	if !noPipeline {
		sup := pipeline.NewSupervisor(media)
		sup.RestartMin = cfg.Pipeline.RestartMin
		sup.RestartMax = cfg.Pipeline.RestartMax
		sup.Grace = cfg.Pipeline.Grace
		if cfg.Verbose {
			sup.Stdout = os.Stdout
		}
		sup.OnExit = func(r *pipeline.Result) {
			debugf("pipeline run finished: %s", r)
		}
		g.Go(func() error {
			// A pipeline that ends on its own ends the session too
			defer cancel()
			return sup.Run(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.Done():
			return a.Err()
		}
	})

	runErr := g.Wait()
	log.Printf("[INFO] send: shutting down %q", desc.Key)
	if err := a.Stop(); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr == nil {
		fmt.Println(ui.RenderSuccess("Withdrew " + desc.Key))
	}
	return runErr
}
