package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	logLines  int
	logFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show daemon logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(cfg.LogFile)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no log file at %s", cfg.LogFile)
			}
			return err
		}
		defer f.Close()

		lines, err := tailLines(f, logLines)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		if !logFollow {
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return followLog(ctx, cfg.LogFile, os.Stdout)
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 50, "Number of lines to show")
	logsCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Keep printing new log lines")
}

// tailLines returns the last n lines of r.
func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

// followLog copies data appended to path to w until ctx is done. Rotation
// (the file being renamed or recreated) restarts from the new file.
func followLog(ctx context.Context, path string, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch log: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so a rotated file is picked up.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	f, offset, err := openAtEnd(path)
	if err != nil {
		return err
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watcher: %w", err)

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}

			switch {
			case ev.Has(fsnotify.Create):
				if f != nil {
					f.Close()
				}
				f, err = os.Open(path)
				if err != nil {
					f = nil
					continue
				}
				offset = 0
				offset, err = copyFrom(f, offset, w)
			case ev.Has(fsnotify.Write):
				if f == nil {
					continue
				}
				offset, err = copyFrom(f, offset, w)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				if f != nil {
					f.Close()
					f = nil
				}
			}
			if err != nil {
				return err
			}
		}
	}
}

func openAtEnd(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, offset, nil
}

// copyFrom writes f's content past offset to w and returns the new offset.
// A file shorter than offset was truncated and is re-read from the start.
func copyFrom(f *os.File, offset int64, w io.Writer) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(w, f)
	if err != nil && !errors.Is(err, io.EOF) {
		return offset + n, err
	}
	return offset + n, nil
}
