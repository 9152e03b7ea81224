package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// followPollInterval bounds the delay between a write and its delivery when
// no filesystem event arrives (memory stores, network filesystems).
const followPollInterval = 2 * time.Second

// Follow delivers entries appended after afterSeq to fn, like tail -f.
// Blocks until ctx is cancelled.
//
// When dir is non-empty, the storage directory is watched with fsnotify and
// any write or create event triggers a read. A slow poll runs regardless,
// so events lost by the watcher only delay delivery.
func (c *Chain) Follow(ctx context.Context, dir string, afterSeq uint64, fn func(Entry)) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error

	if dir != "" {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating file watcher: %w", err)
		}
		defer fw.Close()

		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watching directory %s: %w", dir, err)
		}
		events, watchErrs = fw.Events, fw.Errors
		slog.Debug("following audit log", "dir", dir, "after_seq", afterSeq)
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	lastSeq := afterSeq
	deliver := func() {
		entries, err := c.store.EntriesAfter(ctx, lastSeq)
		if err != nil {
			slog.Error("follow: error reading entries", "error", err)
			return
		}
		for _, e := range entries {
			fn(e)
			lastSeq = e.Seq
		}
	}

	deliver()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			deliver()
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			slog.Error("file watcher error", "error", err)
		case <-ticker.C:
			deliver()
		}
	}
}
