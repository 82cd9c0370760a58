package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"despatchflow/cmd/despatchctl/ui"
	"despatchflow/internal/ingest"

	"github.com/spf13/cobra"
)

var (
	watchOutDir string
	watchEmail  string
	watchSettle time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch [DIR]",
	Short: "Convert invoices as they are dropped into a directory",
	Long: `Watch DIR (default: ingest.watch_dir from the config) and convert every
.xml file written into it. A file is picked up once it has not changed for
--settle.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutDir, "out", "o", "", "directory for converted files (default: the watched directory)")
	watchCmd.Flags().StringVarP(&watchEmail, "email", "e", "", "email each result to this address")
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 500*time.Millisecond, "quiet period before a file is processed")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	dir := rt.cfg.Ingest.WatchDir
	if len(args) == 1 {
		dir = args[0]
	}
	if watchOutDir != "" {
		if err := os.MkdirAll(watchOutDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	w, err := ingest.NewWatcher(rt.logger, ".xml")
	if err != nil {
		return err
	}
	defer w.Close()

	handles, err := w.Watch(ctx, dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	ui.Info("Watching %s (Ctrl+C to stop)", dir)

	for path := range settled(ctx, handles, watchSettle) {
		res := rt.convertFile(ctx, path, watchOutDir, watchEmail)
		if res.err != nil {
			ui.Error("%s: %s", path, res.err)
			continue
		}
		msg := fmt.Sprintf("%s -> %s (%s)", path, res.output, res.meta.ID)
		if res.sentTo != "" {
			msg += ", emailed to " + res.sentTo
		}
		ui.Success("%s", msg)
	}
	return nil
}

// settled collapses bursts of events for the same file into one path,
// emitted once no event has arrived for quiet. Our own output files are
// ignored.
func settled(ctx context.Context, handles <-chan ingest.PathHandle, quiet time.Duration) <-chan string {
	out := make(chan string)
	fired := make(chan firing)

	go func() {
		defer close(out)
		timers := newQuietTimers()
		defer timers.stop()

		fire := func(f firing) {
			select {
			case fired <- f:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case h, ok := <-handles:
				if !ok {
					return
				}
				path := h.Name()
				if strings.HasSuffix(path, outputSuffix) {
					continue
				}
				timers.reset(path, quiet, fire)
			case f := <-fired:
				if !timers.done(f) {
					continue
				}
				select {
				case out <- f.path:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

type firing struct {
	path string
	seq  uint64
}

type quietTimer struct {
	timer *time.Timer
	seq   uint64
}

// quietTimers keeps the latest timer per path. Not safe for concurrent use.
type quietTimers struct {
	seq    uint64
	timers map[string]quietTimer
}

func newQuietTimers() *quietTimers {
	return &quietTimers{timers: make(map[string]quietTimer)}
}

// reset replaces any pending timer for path with a new one.
func (q *quietTimers) reset(path string, quiet time.Duration, fire func(firing)) {
	if old, ok := q.timers[path]; ok {
		old.timer.Stop()
	}
	q.seq++
	f := firing{path: path, seq: q.seq}
	q.timers[path] = quietTimer{timer: time.AfterFunc(quiet, func() { fire(f) }), seq: f.seq}
}

// done reports whether f came from the latest timer for its path, and if so
// forgets that timer. A timer that fired just before being replaced is stale.
func (q *quietTimers) done(f firing) bool {
	cur, ok := q.timers[f.path]
	if !ok || cur.seq != f.seq {
		return false
	}
	delete(q.timers, f.path)
	return true
}

func (q *quietTimers) stop() {
	for _, t := range q.timers {
		t.timer.Stop()
	}
}
