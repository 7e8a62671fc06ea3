package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/bridge"
	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/node"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/substrate/quicnet"
)

// consolePollInterval bounds how long console events wait for the runner.
const consolePollInterval = 50 * time.Millisecond

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	PeerID     string
	Listen     string
	Bootstrap  []string
	Database   string
	BridgeUDP  string
	Console    bool
	Insecure   bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a mesh node",
		Long: `Start a mesh node on a QUIC listener.

The node restores its context from the database (if any), dials the
bootstrap peers and prints node events until interrupted. With a bridge
address it also serves embedded devices over UDP. With --console it reads
commands from stdin and executes them through the command queue.

Example:
  meshsync run --config node.yaml
  meshsync run --peer hall --listen 127.0.0.1:7000 --db hall.db
  meshsync run --peer desk --bootstrap 127.0.0.1:7000 --console`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "node config file (.yaml, .yml or .toml)")
	cmd.Flags().StringVar(&opts.PeerID, "peer", "", "peer id (overrides config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "QUIC listen address (overrides config)")
	cmd.Flags().StringSliceVar(&opts.Bootstrap, "bootstrap", nil, "addresses to dial on start (adds to config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database for persisted context (overrides config)")
	cmd.Flags().StringVar(&opts.BridgeUDP, "bridge", "", "UDP address for the embedded bridge (overrides config)")
	cmd.Flags().BoolVar(&opts.Console, "console", false, "read commands from stdin")
	cmd.Flags().BoolVar(&opts.Insecure, "insecure", false, "accept any peer certificate instead of the pinned mesh certificate")

	return cmd
}

// loadConfig reads path, or returns defaults when path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

func (opts *RunOptions) apply(cfg *config.Config) {
	if opts.PeerID != "" {
		cfg.PeerID = opts.PeerID
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	cfg.Bootstrap = append(cfg.Bootstrap, opts.Bootstrap...)
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.BridgeUDP != "" {
		cfg.BridgeUDP = opts.BridgeUDP
	}
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	opts.apply(&cfg)
	logger := setupLogging(cmd.ErrOrStderr(), opts.Verbose, cfg.LogLevel)

	registry, err := cfg.Registry()
	if err != nil {
		return WrapExitError(ExitFailure, "invalid capabilities", err)
	}
	nodeOpts := []node.Option{
		node.WithLogger(logger),
		node.WithRegistry(registry),
		node.WithQueryTimeout(cfg.QueryTimeout),
	}

	if cfg.Database != "" {
		logger.Info("opening database", "path", cfg.Database)
		st, err := store.Open(cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		nodeOpts = append(nodeOpts, node.WithStore(st))
	}

	// A dial-only node still needs a local socket.
	listen := cfg.Listen
	if listen == "" {
		listen = "0.0.0.0:0"
	}
	trOpts := []quicnet.Option{quicnet.WithLogger(logger)}
	if opts.Insecure {
		trOpts = append(trOpts, quicnet.WithInsecureSkipVerify())
	}
	tr, err := quicnet.Listen(cfg.PeerID, listen, trOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	defer tr.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.New(tr, nodeOpts...)
	if err := n.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "node failed to start", err)
	}
	defer func() {
		if stopErr := n.Stop(context.Background()); stopErr != nil {
			logger.Error("node stop failed", "error", stopErr)
		}
	}()
	logger.Info("node listening", "peer", cfg.PeerID, "addr", tr.Addr().String())

	for _, addr := range cfg.Bootstrap {
		if err := n.Connect(ctx, addr); err != nil {
			logger.Warn("bootstrap dial failed", "addr", addr, "error", err)
		}
	}

	out := &lockedWriter{w: cmd.OutOrStdout()}
	var wg sync.WaitGroup
	defer wg.Wait()

	if cfg.BridgeUDP != "" {
		br, err := bridge.Listen(cfg.BridgeUDP, n, bridge.WithLogger(logger))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start bridge", err)
		}
		logger.Info("bridge listening", "addr", br.Addr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := br.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("bridge stopped", "error", err)
			}
		}()
	}

	if opts.Console {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runConsole(ctx, n, cfg.QueueCapacity, cmd.InOrStdin(), out, logger)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case ev, ok := <-n.Events():
			if !ok {
				stop()
				return nil
			}
			if err := printEvent(out, opts.Format, ev); err != nil {
				logger.Warn("event output failed", "error", err)
			}
		}
	}
}

func printEvent(w io.Writer, format string, ev node.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if format == "json" {
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err = fmt.Fprintf(w, "%-18s %s\n", ev.Kind.String(), data)
	return err
}

// runConsole feeds stdin lines through a command queue into the node until
// ctx is done or input ends.
func runConsole(ctx context.Context, n *node.Node, capacity int, in io.Reader, out io.Writer, logger *slog.Logger) {
	exec := node.NewCommandExecutor(n, node.WithExecutorLogger(logger))
	defer exec.Close()

	queue := cmdqueue.New(capacity)
	runner := cmdqueue.NewRunner(queue, exec,
		cmdqueue.WithReceiver(exec, func(ev cmdqueue.Event) {
			fmt.Fprintln(out, describeEvent(ev))
		}),
		cmdqueue.WithLogger(logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx, consolePollInterval)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case line, ok := <-lines:
			if !ok {
				cancel()
				<-done
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "help" {
				fmt.Fprintln(out, consoleHelp)
				continue
			}
			c, err := parseCommand(line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if status := queue.Enqueue(c); status != cmdqueue.Success {
				fmt.Fprintf(out, "rejected: %s\n", status)
			}
		}
	}
}

// lockedWriter serializes writes from the event loop, console and runner.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
