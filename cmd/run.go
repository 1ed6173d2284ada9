package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/valve"
)

// Batch records enter the valve in the same class as interactive resolves.
const batchPriority = valve.PriorityHigh

var (
	runCSV    string
	runLimit  int
	runOutput string
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Resolve a CSV of business records to websites",
	Long: `Reads business records from a CSV export and resolves each one to its
official website, writing one JSON result per line.

Column headers are matched case-insensitively against known aliases
(name/ragione_sociale, city/comune, address/indirizzo, phone/telefono,
email). Unrecognized columns are ignored.

Examples:
  # Dry run: parse the CSV and print records, no resolution
  resolve-cli run --csv businesses.csv --dry-run

  # Free-tier-only resolution of the first 10 records
  resolve-cli run --csv businesses.csv --limit 10 --output results.jsonl`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		records, err := readRecords(runCSV)
		if err != nil {
			return eris.Wrap(err, "run: read csv")
		}
		zap.L().Info("run: csv parsed", zap.Int("records", len(records)))

		if runLimit > 0 && runLimit < len(records) {
			records = records[:runLimit]
		}
		if runDryRun {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		env, err := initResolver(ctx)
		if err != nil {
			return eris.Wrap(err, "run: init engine")
		}
		defer env.Close()

		outPath := runOutput
		if outPath == "" {
			outPath = cfg.Pipeline.OutputPath
		}
		sink, err := newResultSink(outPath)
		if err != nil {
			return err
		}
		defer sink.Close()

		processBatch(ctx, env, records, sink)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runCSV, "csv", "", "path to input CSV file (required)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "max records to process (0 = all)")
	runCmd.Flags().StringVar(&runOutput, "output", "", "results JSONL path (default from config)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "parse the CSV and print records, skip resolution")
	_ = runCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(runCmd)
}

// processBatch pushes every record through the valve and streams results to
// the sink. Submission is bounded so the queue ceiling is never hit by the
// file size alone; the valve still decides how many records run at once.
// One record's failure never aborts the batch, and the breaker is consulted
// between completions.
func processBatch(ctx context.Context, env *resolverEnv, records []model.Record, sink *resultSink) {
	var mu sync.Mutex
	counts := map[model.Status]int{}
	processed := 0

	g := new(errgroup.Group)
	g.SetLimit(2 * env.Valve.Metrics().MaxConcurrency)

	for i, rec := range records {
		g.Go(func() error {
			res, err := valve.Execute(ctx, env.Valve, batchPriority,
				func(ctx context.Context) (*model.ResolveResult, error) {
					return env.Processor.Process(ctx, rec, i), nil
				})
			if err != nil {
				zap.L().Warn("run: record rejected",
					zap.String("record", rec.ID), zap.Error(err))
				res = &model.ResolveResult{Input: rec, Status: model.StatusError}
				res.Meta.Error = err.Error()
			}
			if werr := sink.Write(res); werr != nil {
				zap.L().Error("run: write result", zap.Error(werr))
			}

			mu.Lock()
			counts[res.Status]++
			processed++
			done := processed
			mu.Unlock()
			env.Breaker.Evaluate(done)
			return nil
		})
	}
	_ = g.Wait()

	snap := env.Ledger.HealthSnapshot(24 * time.Hour)
	zap.L().Info("run: batch complete",
		zap.Int("total", len(records)),
		zap.Int("found", counts[model.StatusFound]),
		zap.Int("not_found", counts[model.StatusNotFound]),
		zap.Int("errors", counts[model.StatusError]),
		zap.Float64("total_cost_eur", snap.TotalCostEUR),
		zap.Float64("error_rate", snap.ErrorRate))
}

// readRecords parses the input CSV into records, assigning sequential ids.
func readRecords(path string) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	return parseRecords(f)
}

func parseRecords(r io.Reader) ([]model.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read header")
	}

	var records []model.Record
	for line := 1; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, eris.Wrapf(err, "read row %d", line)
		}
		fields := map[string]string{}
		for i, h := range header {
			if i < len(row) {
				fields[h] = row[i]
			}
		}
		rec := model.FromRow(fmt.Sprintf("rec-%04d", line), fields)
		if rec.Name == "" {
			zap.L().Debug("run: skipping nameless row", zap.Int("line", line))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// resultSink serializes concurrent result writes into one JSONL stream.
type resultSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func newResultSink(path string) (*resultSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "run: create output %s", path)
	}
	return &resultSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *resultSink) Write(res *model.ResolveResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(res)
}

func (s *resultSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
