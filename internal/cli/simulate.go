package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/embedded"
	"github.com/roach88/meshsync/internal/wire"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Gateway        string
	DeviceID       uint64
	Interval       time.Duration
	Count          int
	Subscribe      []string
	QueueCapacity  int
	ConnectTimeout time.Duration
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated embedded device against a bridge",
		Long: `Run a simulated microcontroller that talks to a node's UDP bridge.

The device performs the Hello handshake, then on every tick reports a
double press of button 1 and a kitchen temperature reading that rises by
0.5 C per tick. Messages on --subscribe topics are printed as they arrive.

Example:
  meshsync simulate --gateway 127.0.0.1:8888 --device-id 5555
  meshsync simulate --gateway 127.0.0.1:8888 --count 3 --subscribe alerts`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Gateway, "gateway", "127.0.0.1:8888", "bridge UDP address")
	cmd.Flags().Uint64Var(&opts.DeviceID, "device-id", 5555, "device id announced in Hello")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 2*time.Second, "time between simulated readings")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "number of ticks before exiting (0 runs until interrupted)")
	cmd.Flags().StringSliceVar(&opts.Subscribe, "subscribe", nil, "topics to subscribe to")
	cmd.Flags().IntVar(&opts.QueueCapacity, "queue", cmdqueue.DefaultCapacity, "command queue capacity")
	cmd.Flags().DurationVar(&opts.ConnectTimeout, "connect-timeout", 5*time.Second, "how long to wait for the gateway")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	logger := setupLogging(cmd.ErrOrStderr(), opts.Verbose, slog.LevelInfo)
	out := &lockedWriter{w: cmd.OutOrStdout()}

	link, err := embedded.DialUDP(opts.Gateway)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open link", err)
	}
	defer link.Close()

	var once sync.Once
	connected := make(chan struct{})
	client, err := embedded.NewClient(link, embedded.Config{DeviceID: opts.DeviceID},
		make([]byte, wire.MaxPacket), opts.QueueCapacity,
		func(ev cmdqueue.Event) {
			if ev.Kind == cmdqueue.EventConnected {
				once.Do(func() { close(connected) })
			}
			fmt.Fprintf(out, "[device %d] %s\n", opts.DeviceID, describeEvent(ev))
		}, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create device", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = client.Runner().Run(ctx, 10*time.Millisecond)
	}()
	defer func() {
		stop()
		<-loopDone
	}()

	fmt.Fprintf(out, "[device %d] connecting to %s\n", opts.DeviceID, opts.Gateway)
	if status := client.Connect(); status != cmdqueue.Success {
		return NewExitError(ExitFailure, fmt.Sprintf("connect rejected: %s", status))
	}
	select {
	case <-connected:
	case <-time.After(opts.ConnectTimeout):
		return NewExitError(ExitFailure, fmt.Sprintf("no welcome from %s (is the bridge running?)", opts.Gateway))
	case <-ctx.Done():
		return nil
	}

	for _, topic := range opts.Subscribe {
		if status := client.Subscribe(topic); status != cmdqueue.Success {
			logger.Warn("subscribe rejected", "topic", topic, "status", status.String())
		}
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for tick := 0; opts.Count == 0 || tick < opts.Count; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		temp := 20 + float32(tick)*0.5
		fmt.Fprintf(out, "[device %d] button 1 double, kitchen_temp %.1f C\n", opts.DeviceID, temp)
		if status := client.ButtonPressed(1, wire.PressDouble); status != cmdqueue.Success {
			logger.Warn("button press rejected", "status", status.String())
		}
		if status := client.UpdateSensor("kitchen_temp", wire.Temperature(temp)); status != cmdqueue.Success {
			logger.Warn("sensor update rejected", "status", status.String())
		}
	}

	// Let the last tick drain before the loop stops.
	deadline := time.Now().Add(time.Second)
	for client.Queued() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
