package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"rehoboam/internal/storage"
)

// Show prints recent reports, alerts and divergences.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	kind := opts.Kind
	if kind == "" {
		kind = "all"
	}
	switch kind {
	case "reports", "alerts", "divergences", "snapshots", "all":
	default:
		return fmt.Errorf("unknown kind %q", opts.Kind)
	}

	if kind == "snapshots" || kind == "all" {
		snaps, err := store.ListRecentSnapshots(ctx, opts.Limit)
		if err != nil {
			return err
		}
		writeSnapshots(os.Stdout, snaps)
	}
	if kind == "reports" || kind == "all" {
		total, err := store.CountReports(ctx)
		if err != nil {
			return err
		}
		reports, err := store.ListRecentReports(ctx, opts.Limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "reports: showing %d of %d\n", len(reports), total)
		writeReports(os.Stdout, reports)
	}
	if kind == "alerts" || kind == "all" {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		writeAlerts(os.Stdout, alerts)
	}
	if kind == "divergences" || kind == "all" {
		divs, err := store.ListRecentDivergences(ctx, opts.Limit)
		if err != nil {
			return err
		}
		writeDivergences(os.Stdout, divs)
	}
	return nil
}

func writeSnapshots(out io.Writer, snaps []storage.SnapshotRecord) {
	if len(snaps) == 0 {
		fmt.Fprintln(out, "no snapshots found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tStatus\tSources\tTickers\tEvents")
	for _, s := range snaps {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d/%d\t%d\t%d\n",
			s.Timestamp.UTC().Format(time.RFC3339),
			s.Status,
			s.Healthy,
			s.Total,
			len(s.Tickers),
			s.Events,
		)
	}
	writer.Flush()
	fmt.Fprintln(out)
}

func writeReports(out io.Writer, reports []storage.ReportRecord) {
	if len(reports) == 0 {
		fmt.Fprintln(out, "no reports found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tOmniscience\tPrediction\tDeterminism\tRisk\tDecision\tForecast")
	for _, r := range reports {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.UTC().Format(time.RFC3339),
			formatDecimal(r.Omniscience, 3),
			formatDecimal(r.PredictionConfidence, 3),
			formatDecimal(r.MarketDeterminism, 3),
			formatDecimal(r.InterventionRisk, 3),
			r.Decision,
			r.Forecast,
		)
	}
	writer.Flush()
	fmt.Fprintln(out)
}

func writeAlerts(out io.Writer, alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Raised (UTC)\tAlgorithm\tSymbol\tSeverity\tConfidence\tStatus\tActions\tReason")
	for _, al := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			al.RaisedAt.UTC().Format(time.RFC3339),
			al.Algorithm,
			al.Symbol,
			al.Severity,
			formatDecimal(al.Confidence, 3),
			al.Status,
			strings.Join(al.Actions, ","),
			sanitizeInline(al.Reason),
		)
	}
	writer.Flush()
	fmt.Fprintln(out)
}

func writeDivergences(out io.Writer, divs []storage.DivergenceRecord) {
	if len(divs) == 0 {
		fmt.Fprintln(out, "no divergences found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Raised (UTC)\tAgent\tScore\tSeverity")
	for _, d := range divs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			d.RaisedAt.UTC().Format(time.RFC3339),
			d.AgentID,
			formatDecimal(d.Score, 3),
			d.Severity,
		)
	}
	writer.Flush()
	fmt.Fprintln(out)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
