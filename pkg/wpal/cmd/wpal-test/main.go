package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MixyLabs/wpal/pkg/wpal"
	"github.com/MixyLabs/wpal/pkg/wpal/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

type options struct {
	pid          uint32
	includeTree  bool
	channels     int
	rate         int
	bits         int
	configPath   string
	verbose      bool
	simulate     bool
	metricsAddr  string
	notify       bool
	duration     time.Duration
	quietPackets bool
	list         bool
	wavPath      string
}

const (
	simulatedPacketInterval = 10 * time.Millisecond
	simulatedToneHz         = 440
	metricsPath             = "/metrics"
)

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "wpal-test",
		Short: "Capture the audio of a single process",
		Long: "Captures what one process (and optionally its children) is playing, isolated from the\n" +
			"rest of the system mix, and prints every packet as it arrives.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&opts.pid, "pid", 0, "process to capture (prompted for when omitted)")
	flags.BoolVar(&opts.includeTree, "include-tree", true, "also capture the process's descendants")
	flags.IntVar(&opts.channels, "channels", 2, "channel count")
	flags.IntVar(&opts.rate, "rate", 44100, "sample rate in Hz")
	flags.IntVar(&opts.bits, "bits", 16, "bits per sample")
	flags.StringVar(&opts.configPath, "config", "", "config file (default ./config.yaml if present)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "show verbose logs")
	flags.BoolVar(&opts.simulate, "simulate", false, "capture a generated tone instead of a real process")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&opts.notify, "notify", false, "show a desktop notification when capture fails")
	flags.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	flags.BoolVar(&opts.quietPackets, "quiet", false, "don't print every packet")
	flags.BoolVar(&opts.list, "list", false, "list processes currently playing audio and exit")
	flags.StringVar(&opts.wavPath, "wav", "", "also record the capture to this WAV file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts *options) error {
	logger, err := wpal.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if opts.verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	toast, err := wpal.NewToastNotifier(logger)
	if err != nil {
		named.Errorw("Failed to create ToastNotifier", "error", err)
		return fmt.Errorf("create new ToastNotifier: %w", err)
	}

	configMan, err := wpal.NewConfig(logger, toast, opts.configPath)
	if err != nil {
		named.Errorw("Failed to create Config", "error", err)
		return fmt.Errorf("create new Config: %w", err)
	}

	if err := configMan.BindFlags(cmd.Flags(), map[string]string{
		wpal.ConfigKeyIncludeTree:   "include-tree",
		wpal.ConfigKeyChannels:      "channels",
		wpal.ConfigKeySampleRate:    "rate",
		wpal.ConfigKeyBitsPerSample: "bits",
		wpal.ConfigKeyMetricsAddr:   "metrics-addr",
		wpal.ConfigKeyNotify:        "notify",
	}); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if err := configMan.Load(); err != nil {
		named.Errorw("Failed to load config", "error", err)
		return fmt.Errorf("load config: %w", err)
	}

	conf := configMan.Current()

	var notifier wpal.Notifier = wpal.NewLogNotifier(logger)
	if conf.Notify {
		notifier = toast
	}

	if opts.list {
		return listAudible(logger, named)
	}

	pid := opts.pid
	if pid == 0 && !opts.simulate {
		// best effort, the prompt works without it
		_ = listAudible(logger, named)

		if pid, err = promptPID(); err != nil {
			return err
		}
	}

	sessionOpts := []wpal.SessionOption{wpal.WithLogger(logger)}

	var simulated *wpal.SimulatedBackend
	if opts.simulate {
		simulated = wpal.NewSimulatedBackend(logger)
		sessionOpts = append(sessionOpts, wpal.WithBackend(simulated), wpal.WithProcessFinder(nil))
	} else if err := util.CheckProcessLoopbackSupport(); err != nil {
		named.Errorw("Process loopback capture unavailable", "error", err)
		return err
	}

	session, err := wpal.NewSession(wpal.SessionParams{
		ProcessID:          pid,
		IncludeDescendants: conf.Capture.IncludeTree,
		Channels:           conf.Capture.Channels,
		SampleRate:         conf.Capture.SampleRate,
		BitsPerSample:      conf.Capture.BitsPerSample,
	}, sessionOpts...)
	if err != nil {
		named.Errorw("Failed to create capture session", "error", err)
		return fmt.Errorf("create capture session: %w", err)
	}

	defer wpal.RecoverFromPanic(named, toast, session.Stop)

	overflow, err := wpal.ParseOverflowBehaviour(conf.RingBuffer.Overflow)
	if err != nil {
		return err
	}

	ring, err := wpal.NewAudioRingBufferFor(session.Format(), conf.RingBuffer.Seconds)
	if err != nil {
		return fmt.Errorf("create ring buffer: %w", err)
	}
	ring.SetOverflow(overflow)

	var recorder *wpal.WavRecorder
	if opts.wavPath != "" {
		wavFile, err := os.Create(opts.wavPath)
		if err != nil {
			return fmt.Errorf("create wav file: %w", err)
		}
		defer wavFile.Close()

		if recorder, err = wpal.NewWavRecorder(wavFile, session.Format()); err != nil {
			return err
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				named.Warnw("Failed to finalize WAV file", "path", opts.wavPath, "error", err)
				return
			}
			named.Infow("Saved recording", "path", opts.wavPath, "frames", recorder.Frames())
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	interruptChannel := util.SetupCloseHandler()
	go func() {
		select {
		case signal := <-interruptChannel:
			named.Debugw("Interrupted", "signal", signal)
			cancel()
		case <-ctx.Done():
		}
	}()

	go configMan.WatchConfigFileChanges()
	defer configMan.StopWatchingConfigFile()

	g, ctx := errgroup.WithContext(ctx)

	if simulated != nil {
		framesPerPacket := session.Format().SampleRate() / uint32(time.Second/simulatedPacketInterval)
		g.Go(func() error {
			return simulated.Run(ctx, simulatedPacketInterval, framesPerPacket, simulatedToneHz)
		})
	}

	if err := session.StartPackets(ctx, func(buf wpal.Buffer) {
		if !opts.quietPackets {
			var first byte
			if len(buf.Data) > 0 {
				first = buf.Data[0]
			}
			fmt.Printf("%d frames, %d bytes, first: %d\n", buf.Frames, buf.SizeBytes(), first)
		}

		ring.Push(buf)

		if recorder != nil {
			if err := recorder.Write(buf); err != nil {
				named.Debugw("Dropped packet from recording", "error", err)
			}
		}
	}); err != nil {
		named.Errorw("Failed to start capture", "error", err, "status", wpal.StatusCode(err))
		notifier.Notify("Capture failed to start", err.Error())
		session.Stop()
		cancel()
		_ = g.Wait()

		return err
	}

	named.Infow("Capturing", "pid", pid, "format", session.Format(), "target", session.Target().Executable)

	if conf.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(wpal.NewLoopCollector(session, nil).WithRingBuffer(ring))

		g.Go(func() error {
			return serveMetrics(ctx, named, conf.MetricsAddr, registry)
		})
	}

	g.Go(func() error {
		return report(ctx, named, configMan, session, ring)
	})

	err = g.Wait()

	session.Stop()

	stats := session.Stats()
	named.Infow("Finished",
		"callbacks", stats.Invocations,
		"armed", stats.Armed,
		"cancelled", stats.Cancelled,
		"abstained", stats.Abstained)

	if err != nil {
		notifier.Notify("Capture stopped", err.Error())
		named.Warnw("Capture ended with an error", "error", err)
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = logger.Sync()

	return err
}

// listAudible prints the processes that currently have an audio session on an output device
func listAudible(logger, named *zap.SugaredLogger) error {
	finder, err := wpal.NewAudibleFinder(logger)
	if err != nil {
		named.Warnw("Can't list audible processes", "error", err)
		return err
	}
	defer finder.Release()

	processes, err := finder.AudibleProcesses()
	if err != nil {
		named.Warnw("Failed to list audible processes", "error", err)
		return err
	}

	if len(processes) == 0 {
		fmt.Println("No process is playing audio right now")
		return nil
	}

	for _, p := range processes {
		fmt.Printf("%6d  %-28s %s\n", p.PID, p.Executable, strings.Join(p.Devices, ", "))
	}

	return nil
}

// promptPID asks on stdin until a numeric pid is entered
func promptPID() (uint32, error) {
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("PID? ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return 0, fmt.Errorf("read pid from stdin: %w", err)
		}

		pid, parseErr := strconv.ParseUint(strings.TrimSpace(line), 10, 32)
		if parseErr == nil && pid > 0 {
			return uint32(pid), nil
		}

		if err != nil {
			return 0, fmt.Errorf("read pid from stdin: %w", err)
		}
	}
}

// report logs the level of what was captured since the last tick and watches for capture faults
func report(ctx context.Context, logger *zap.SugaredLogger, configMan *wpal.ConfigManager, session *wpal.Session, ring *wpal.AudioRingBuffer) error {
	interval := configMan.Current().ReportInterval
	reloaded := configMan.SubscribeToChanges()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	chunk := make([]byte, ring.Cap())

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reloaded:
			if next := configMan.Current().ReportInterval; next != interval {
				logger.Infow("Report interval changed", "from", interval, "to", next)
				interval = next
				ticker.Reset(interval)
			}

		case <-ticker.C:
			if session.State() == wpal.StateFailed {
				return fmt.Errorf("capture failed: %w", session.Err())
			}

			n := ring.Read(chunk)

			samples, err := wpal.ToFloat32(chunk[:n], session.Format().BitsPerSample())
			if err != nil {
				logger.Debugw("Skipping level report", "reason", err)
				continue
			}

			stats := session.Stats()
			logger.Infow("Capture level",
				"peak", wpal.Peak(samples),
				"bytes", n,
				"callbacks", stats.Invocations,
				"dropped", ring.Dropped())
		}
	}
}

func serveMetrics(ctx context.Context, logger *zap.SugaredLogger, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infow("Serving metrics", "addr", addr, "path", metricsPath)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}

	return nil
}
