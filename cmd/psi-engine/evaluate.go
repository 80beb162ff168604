package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/psi/internal/domain/discharge"
	"github.com/ehr/psi/internal/domain/evaluation"
	"github.com/ehr/psi/internal/domain/indicator"
	"github.com/ehr/psi/internal/platform/spreadsheet"
)

type evaluateOptions struct {
	input      string
	indicators string
	output     string
	jsonOut    bool
	trace      string
}

func evaluateCmd() *cobra.Command {
	var opts evaluateOptions
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a discharge spreadsheet offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd.ErrOrStderr())
			engine, err := buildEngine(cfg, log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEvaluate(ctx, engine, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "xlsx or csv file of discharge records")
	cmd.Flags().StringVar(&opts.indicators, "indicators", "", "comma list of indicator ids (default all)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the results workbook to this xlsx file")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the full outcome as JSON")
	cmd.Flags().StringVar(&opts.trace, "trace", "", "print the rule trail for this encounter id")
	cmd.MarkFlagRequired("input")
	return cmd
}

func runEvaluate(ctx context.Context, engine *evaluation.Engine, opts evaluateOptions, stdout io.Writer) error {
	f, err := os.Open(opts.input)
	if err != nil {
		return err
	}
	rows, err := spreadsheet.Read(opts.input, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", opts.input, err)
	}

	inds, err := engine.Catalog().Select(indicator.ParseIDs(opts.indicators))
	if err != nil {
		return err
	}

	if opts.trace != "" {
		return printTrace(engine, rows, inds, opts.trace, stdout)
	}

	out, runErr := engine.Run(ctx, rows, inds)
	if out == nil {
		return runErr
	}
	if opts.output != "" {
		if err := writeWorkbook(opts.output, out); err != nil {
			return err
		}
	}
	if opts.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printSummary(stdout, out)
	}
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("interrupted with %d records unevaluated: %w", len(out.Unevaluated), runErr)
	}
	return runErr
}

func writeWorkbook(path string, out *evaluation.Outcome) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := spreadsheet.WriteResults(f, out); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(w io.Writer, out *evaluation.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PSI\tDENOMINATOR\tNUMERATOR\tEXCLUDED\tINELIGIBLE\tRATE")
	for _, rep := range out.Reports {
		rate := "n/a"
		if rep.Totals.Rate != nil {
			rate = rep.Totals.Rate.StringFixed(4)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", rep.IndicatorID,
			rep.Totals.Denominator, rep.Totals.Numerator, rep.Totals.Excluded, rep.Ineligible, rate)
	}
	tw.Flush()
	if len(out.Rejected) > 0 {
		fmt.Fprintf(w, "\n%d rows rejected\n", len(out.Rejected))
	}
}

func printTrace(engine *evaluation.Engine, rows []discharge.RawRow, inds []*indicator.Indicator, id string, w io.Writer) error {
	records, rejected := engine.Normalize(rows)
	for _, rej := range rejected {
		if rej.RecordID == id {
			return fmt.Errorf("record %s was rejected: %s", id, rej.Message)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for _, rec := range records {
		if rec.ID != id {
			continue
		}
		traces := make([]evaluation.Trace, 0, len(inds))
		for _, ind := range inds {
			traces = append(traces, engine.Trace(rec, ind))
		}
		return enc.Encode(traces)
	}
	return fmt.Errorf("record %s not found in input", id)
}
