package cli

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/transfer"
	"github.com/rileyhilliard/fleet/internal/ui"
)

const transferBarWidth = 30

func newTransferCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transfer",
		Aliases: []string{"xfer"},
		Short:   "Upload and download single files with tracked progress",
		Long: `Copy one file to or from a host over its file session. Every transfer gets
a record with live progress that 'fleet transfer status' and the HTTP API
can read, and that can be cancelled from another shell.`,
	}
	cmd.AddCommand(
		newTransferUploadCmd(a),
		newTransferDownloadCmd(a),
		newTransferStatusCmd(a),
		newTransferListCmd(a),
		newTransferCancelCmd(a),
		newTransferLsCmd(a),
	)
	return cmd
}

func (a *app) tracker(sink events.Sink) (*transfer.Tracker, error) {
	pool, err := a.transport()
	if err != nil {
		return nil, err
	}
	return transfer.NewTracker(a.store, pool,
		transfer.WithSink(events.Multi{a.sink(), sink}),
		transfer.WithLogger(logger.Named(a.log, "transfer")),
		transfer.WithMetrics(a.metrics),
		transfer.WithChunkSize(a.cfg.Transfer.ChunkSize),
		transfer.WithTimeout(a.cfg.Transfer.Timeout),
	), nil
}

// progressSink redraws one transfer's progress line in place.
type progressSink struct {
	mu  sync.Mutex
	out io.Writer
	bar *ui.TransferBar
	key string
	// live is false when output is not a terminal; nothing is drawn then.
	live  bool
	drawn bool
}

func (p *progressSink) Publish(_ string, ev events.Event) {
	v, ok := ev.Data.(transfer.View)
	if !ok || !p.live {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != "" && v.Key != p.key {
		return
	}
	fmt.Fprintf(p.out, "\r\033[K%s", p.bar.Render(v))
	p.drawn = true
}

func (p *progressSink) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprintln(p.out)
	}
}

func newTransferUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <host> <local-file> <remote-path>",
		Short: "Upload a file",
		Long: `Upload a local file. The remote file is verified by size once written.

Examples:
  fleet transfer upload web-1 ./release.tar.gz /tmp/release.tar.gz`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := filepath.Abs(args[1])
			if err != nil {
				return errors.WrapWithCode(err, errors.ErrConfig, "Bad local path "+args[1], "")
			}
			if _, err := os.Stat(local); err != nil {
				return errors.WrapWithCode(err, errors.ErrNotFound, "Local file "+args[1]+" not found", "")
			}
			return a.runTransfer(cmd, model.Upload, args[0], args[2], local)
		},
	}
}

func newTransferDownloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download <host> <remote-file> [local-path]",
		Short: "Download a file",
		Long: `Download a remote file. Without a local path the file lands in
transfer.download_dir under its remote name.

Examples:
  fleet transfer download db-1 /var/backups/db.sql.gz
  fleet transfer download db-1 /var/backups/db.sql.gz ./db.sql.gz`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := filepath.Join(a.cfg.Transfer.DownloadDir, path.Base(args[1]))
			if len(args) == 3 {
				local = args[2]
			}
			local, err := filepath.Abs(local)
			if err != nil {
				return errors.WrapWithCode(err, errors.ErrConfig, "Bad local path", "")
			}
			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't create "+filepath.Dir(local), "")
			}
			return a.runTransfer(cmd, model.Download, args[0], args[1], local)
		},
	}
}

// runTransfer creates a record and drives it to completion in the
// foreground, drawing progress on a terminal.
func (a *app) runTransfer(cmd *cobra.Command, dir model.Direction, hostName, remote, local string) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, hostName)
	if err != nil {
		return err
	}

	sink := &progressSink{out: cmd.ErrOrStderr(), bar: ui.NewTransferBar(transferBarWidth), live: ui.Interactive()}
	tr, err := a.tracker(sink)
	if err != nil {
		return err
	}
	rec, err := tr.Create(ctx, transfer.Request{Direction: dir, HostID: host.ID, RemotePath: remote, LocalPath: local})
	if err != nil {
		return err
	}
	sink.mu.Lock()
	sink.key = rec.Key
	sink.mu.Unlock()

	runErr := tr.Run(ctx, rec.Key)
	sink.finish()
	if runErr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), ui.Muted("transfer "+rec.Key))
		return runErr
	}

	final, err := a.store.GetTransferByKey(ctx, rec.Key)
	if err != nil {
		return err
	}
	v := transfer.Derive(*final, time.Now())
	fmt.Fprintln(cmd.OutOrStdout(), ui.Success(fmt.Sprintf("%s %s (%s MB, %s) [%s]",
		directionVerb(dir), remote, ui.FormatMB(v.TransferredMB), ui.FormatRate(v.BytesPerSecond), rec.Key)))
	return nil
}

func directionVerb(d model.Direction) string {
	if d == model.Upload {
		return "Uploaded"
	}
	return "Downloaded"
}

// lookupTransfer accepts a record key or numeric id.
func (a *app) lookupTransfer(cmd *cobra.Command, ref string) (*model.TransferProgress, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return st.GetTransferByID(cmd.Context(), uint(id))
	}
	return st.GetTransferByKey(cmd.Context(), ref)
}

func newTransferStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <key|id>",
		Short: "Show one transfer's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.lookupTransfer(cmd, args[0])
			if err != nil {
				return err
			}
			v := transfer.Derive(*rec, time.Now())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s %s\n", ui.TransferStatus(v.Status), v.Direction, v.RemotePath)
			fmt.Fprintf(out, "  local  %s\n", v.LocalName)
			fmt.Fprintf(out, "  %s\n", ui.NewTransferBar(transferBarWidth).Render(v))
			if v.Error != "" {
				fmt.Fprintf(out, "  %s\n", ui.Failure(v.Error))
			}
			fmt.Fprintln(out, ui.Muted("  key "+v.Key))
			return nil
		},
	}
}

func newTransferListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"history"},
		Short:   "List recent transfers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			recs, err := st.ListTransfers(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), ui.Muted("No transfers yet."))
				return nil
			}

			now := time.Now()
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				v := transfer.Derive(r, now)
				pct := "-"
				if v.Percentage != nil {
					pct = fmt.Sprintf("%.0f%%", *v.Percentage)
				}
				rows = append(rows, []string{
					strconv.FormatUint(uint64(r.ID), 10),
					ui.TransferStatus(r.Status),
					string(r.Direction),
					r.RemotePath,
					pct,
					r.CreatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderTable([]ui.Column{
				{Title: "ID"}, {Title: "STATUS"}, {Title: "DIR"}, {Title: "REMOTE"}, {Title: "DONE"}, {Title: "CREATED"},
			}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return cmd
}

func newTransferCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <key|id>",
		Short: "Cancel a pending or running transfer",
		Long: `Mark a transfer cancelled. A transfer running in another fleet process
notices on its next progress write and stops.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.lookupTransfer(cmd, args[0])
			if err != nil {
				return err
			}
			tr, err := a.tracker(events.Discard{})
			if err != nil {
				return err
			}
			if _, err := tr.Cancel(cmd.Context(), rec.Key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Cancelled "+rec.Key))
			return nil
		},
	}
}

func newTransferLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <host> [dir]",
		Short: "List a remote directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			host, err := a.hostByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tr, err := a.tracker(events.Discard{})
			if err != nil {
				return err
			}
			entries, err := tr.ListDir(cmd.Context(), host, dir)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), ui.Muted(dir+" is empty."))
				return errors.NewExitError(1)
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name
				if e.IsDir {
					name += "/"
				}
				rows = append(rows, []string{e.Mode.String(), ui.FormatBytes(e.Size), e.ModTime.Local().Format("2006-01-02 15:04"), name})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderTable([]ui.Column{
				{Title: "MODE"}, {Title: "SIZE"}, {Title: "MODIFIED"}, {Title: "NAME"},
			}, rows))
			return nil
		},
	}
}
