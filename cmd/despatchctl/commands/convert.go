package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"despatchflow/cmd/despatchctl/ui"
	"despatchflow/internal/extractor"
	"despatchflow/internal/ingest"
	"despatchflow/internal/models"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const outputSuffix = ".despatch.xml"

var (
	convertOutDir   string
	convertParallel int
	convertEmail    string
)

var convertCmd = &cobra.Command{
	Use:   "convert FILE...",
	Short: "Convert invoice XML files into despatch advice",
	Long: `Send each file to the conversion service and write the despatch advice
next to it (or into --out). With --email the result is also emailed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertOutDir, "out", "o", "", "directory for converted files (default: next to the input)")
	convertCmd.Flags().IntVarP(&convertParallel, "parallel", "j", 4, "number of files converted at once")
	convertCmd.Flags().StringVarP(&convertEmail, "email", "e", "", "email each result to this address")
	rootCmd.AddCommand(convertCmd)
}

type convertResult struct {
	source   string
	output   string
	meta     models.Metadata
	sentTo   string
	duration time.Duration
	err      error
}

func runConvert(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if convertOutDir != "" {
		if err := os.MkdirAll(convertOutDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	spin := ui.NewSpinner(fmt.Sprintf("Converting %d file(s)...", len(args)))
	spin.Start()

	results := make([]convertResult, len(args))
	var done atomic.Int32
	var g errgroup.Group
	g.SetLimit(max(convertParallel, 1))
	for i, path := range args {
		i, path := i, path
		g.Go(func() error {
			results[i] = rt.convertFile(ctx, path, convertOutDir, convertEmail)
			spin.UpdateMessage(fmt.Sprintf("Converted %d/%d", done.Add(1), len(args)))
			return results[i].err
		})
	}
	waitErr := g.Wait()
	spin.Stop()

	ui.Section("Conversion Summary")
	rows := make([][]string, 0, len(results))
	failed := 0
	for _, res := range results {
		status := "ok"
		if res.err != nil {
			status = models.ReasonOf(res.err)
			failed++
		}
		rows = append(rows, []string{res.source, res.meta.ID, res.output, res.sentTo, ui.FormatDuration(res.duration), status})
	}
	ui.Table([]string{"Source", "ID", "Output", "Emailed", "Took", "Status"}, rows)

	if waitErr != nil {
		return fmt.Errorf("%d of %d files failed: %w", failed, len(args), waitErr)
	}
	ui.Success("Converted %d file(s)", len(args))
	return nil
}

// convertFile runs one file through ingest, convert and optionally send.
func (rt *runtime) convertFile(ctx context.Context, path, outDir, recipient string) convertResult {
	start := time.Now()
	res := convertResult{source: path}

	ctrl := rt.controller()
	defer ctrl.Close()

	fail := func(err error) convertResult {
		res.err = err
		res.duration = time.Since(start)
		return res
	}

	h, err := ingest.NewPathHandle(path)
	if err != nil {
		return fail(err)
	}
	if err := ctrl.Ingest(ctx, h); err != nil {
		return fail(err)
	}
	if err := ctrl.Convert(ctx); err != nil {
		return fail(err)
	}

	doc := ctrl.Snapshot().Document
	res.meta = extractor.Extract(string(doc))
	res.output = outputPath(path, outDir)
	if err := os.WriteFile(res.output, []byte(doc), 0o644); err != nil {
		return fail(fmt.Errorf("write %s: %w", res.output, err))
	}

	if recipient != "" {
		if err := ctrl.OpenCompose(); err != nil {
			return fail(err)
		}
		if err := ctrl.Send(ctx, recipient); err != nil {
			return fail(err)
		}
		res.sentTo = recipient
	}

	res.duration = time.Since(start)
	return res
}

func outputPath(input, outDir string) string {
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base)) + outputSuffix
	if outDir == "" {
		outDir = filepath.Dir(input)
	}
	return filepath.Join(outDir, base)
}
