package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var follow bool
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the structured log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cfg.Logger.LogFile == "" {
				return fmt.Errorf("file logging is disabled (logger.log_file is empty)")
			}
			return tailLog(cmd.Context(), cfg.Logger.LogFile, cmd.OutOrStdout(), lines, follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines as they are written")
	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "print only the last N lines (0 prints all, or nothing before new lines with --follow)")
	return cmd
}

// tailLog prints path to out. With follow it prints the last N lines that
// exist now (none when last is 0), then streams new lines until ctx is
// cancelled.
func tailLog(ctx context.Context, path string, out io.Writer, last int, follow bool) error {
	if !follow {
		return printLog(ctx, path, out, last, -1)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if last > 0 {
		if err := printLog(ctx, path, out, last, info.Size()); err != nil {
			return err
		}
	}
	return followLog(ctx, path, out, info.Size())
}

// printLog prints the file once. When limit is not negative only lines that
// start before byte limit are considered.
func printLog(ctx context.Context, path string, out io.Writer, last int, limit int64) error {
	t, err := tail.TailFile(path, tail.Config{
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer t.Cleanup()
	defer t.Stop()

	var ring []string
	var consumed int64
	flush := func() {
		for _, text := range ring {
			fmt.Fprintln(out, text)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				flush()
				return nil
			}
			if line.Err != nil {
				return line.Err
			}
			if limit >= 0 && consumed >= limit {
				flush()
				return nil
			}
			consumed += int64(len(line.Text)) + 1
			if last <= 0 {
				fmt.Fprintln(out, line.Text)
				continue
			}
			ring = append(ring, line.Text)
			if len(ring) > last {
				ring = ring[1:]
			}
		}
	}
}

// followLog streams lines written after offset until ctx is cancelled.
func followLog(ctx context.Context, path string, out io.Writer, offset int64) error {
	t, err := tail.TailFile(path, tail.Config{
		MustExist: true,
		Follow:    true,
		ReOpen:    true,
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(out, line.Text)
		}
	}
}
