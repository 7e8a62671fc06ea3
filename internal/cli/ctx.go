package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/ctxstore"
	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/store"
)

// CtxOptions holds flags for the ctx commands.
type CtxOptions struct {
	*RootOptions
	Database string
	Path     string
	Stamped  bool
}

// NewCtxCommand creates the ctx command group.
func NewCtxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CtxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ctx",
		Short: "Inspect a node's persisted state",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the persisted context tree",
		Long: `Print the context tree persisted by a node, as canonical JSON.

Example:
  meshsync ctx dump --db hall.db
  meshsync ctx dump --db hall.db --path lights.hall --stamped`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCtxDump(opts, cmd)
		},
	}
	dump.Flags().StringVar(&opts.Path, "path", "", "print only the subtree at this path")
	dump.Flags().BoolVar(&opts.Stamped, "stamped", false, "include timestamps and origins")

	peers := &cobra.Command{
		Use:           "peers",
		Short:         "List peers the node has connected to",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCtxPeers(opts, cmd)
		},
	}

	cmd.AddCommand(dump, peers)
	return cmd
}

func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runCtxDump(opts *CtxOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	root, err := st.LoadSnapshot(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load context", err)
	}
	tree := ctxstore.New("")
	if _, err := tree.Merge("", root); err != nil {
		return WrapExitError(ExitFailure, "persisted context is invalid", err)
	}

	n, err := tree.GetNode(opts.Path)
	if err != nil {
		if fault.IsNotFound(err) {
			_ = f.Error(ErrCodeNotFound, fmt.Sprintf("no context at %q", opts.Path), nil)
			return NewExitError(ExitFailure, "path not found")
		}
		return WrapExitError(ExitCommandError, "invalid path", err)
	}

	var v ir.Value
	if opts.Stamped {
		v = ctxstore.Encode(n)
	} else {
		v = n.ToValue()
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return err
	}
	return f.Success(ir.Raw{Value: v}, string(data))
}

func runCtxPeers(opts *CtxOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	peers, err := st.Peers(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list peers", err)
	}

	type peerRow struct {
		Peer     string `json:"peer"`
		Addr     string `json:"addr,omitempty"`
		Connects int64  `json:"connects"`
	}
	rows := make([]peerRow, 0, len(peers))
	var text strings.Builder
	for i, p := range peers {
		rows = append(rows, peerRow{Peer: p.PeerID, Addr: p.Addr, Connects: p.Connects})
		if i > 0 {
			text.WriteByte('\n')
		}
		fmt.Fprintf(&text, "%s\t%s\t%d", p.PeerID, p.Addr, p.Connects)
	}
	if len(peers) == 0 {
		text.WriteString("No peers recorded.")
	}
	return f.Success(rows, text.String())
}
