package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"rehoboam/internal/storage"
)

// exportFetchLimit caps the rows read before downsampling.
const exportFetchLimit = 100000

// Export renders omniscience report history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := exportWindow(opts, a.Config.Orchestrator.Interval, time.Now())
	if err != nil {
		return err
	}

	reports, err := store.ListReportsBetween(ctx, from, to, exportFetchLimit)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		a.Logger.Info().Msg("no reports found for export window")
		return nil
	}

	downsampled := downsampleReports(reports, opts.MaxPoints)
	a.Logger.Info().Int("total", len(reports)).Int("exported", len(downsampled)).Msg("exporting reports")

	if opts.CSVPath != "" {
		if err := writeReportsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeReportsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// exportWindow resolves [from, to). Without --from the window is Last, or enough
// orchestrator cycles to fill MaxPoints.
func exportWindow(opts ExportOptions, cycle time.Duration, now time.Time) (time.Time, time.Time, error) {
	to := now.UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	var from time.Time
	switch {
	case opts.From != nil:
		from = opts.From.UTC()
	case opts.Last > 0:
		from = to.Add(-opts.Last)
	default:
		from = to.Add(-time.Duration(opts.MaxPoints) * cycle)
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsampleReports(reports []storage.ReportRecord, max int) []storage.ReportRecord {
	if max <= 0 || len(reports) <= max {
		return reports
	}
	if max == 1 {
		return reports[len(reports)-1:]
	}

	result := make([]storage.ReportRecord, 0, max)
	step := float64(len(reports)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(reports) {
			idx = len(reports) - 1
		}
		result = append(result, reports[idx])
	}
	return result
}

func writeReportsCSV(path string, reports []storage.ReportRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"at", "omniscience", "prediction_confidence", "mean_predictability", "market_determinism", "intervention_risk", "decision", "forecast"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range reports {
		record := []string{
			r.At.Format(time.RFC3339),
			r.Omniscience.String(),
			r.PredictionConfidence.String(),
			r.MeanPredictability.String(),
			r.MarketDeterminism.String(),
			r.InterventionRisk.String(),
			r.Decision,
			r.Forecast,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeReportsPNG(path string, reports []storage.ReportRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(reports))
	omniscience := make([]float64, len(reports))
	prediction := make([]float64, len(reports))
	determinism := make([]float64, len(reports))
	risk := make([]float64, len(reports))

	for i, r := range reports {
		x[i] = r.At
		omniscience[i] = r.Omniscience.InexactFloat64()
		prediction[i] = r.PredictionConfidence.InexactFloat64()
		determinism[i] = r.MarketDeterminism.InexactFloat64()
		risk[i] = r.InterventionRisk.InexactFloat64()
	}

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Score",
			ValueFormatter: scoreFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Intervention risk",
			ValueFormatter: scoreFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Omniscience",
				XValues: x,
				YValues: omniscience,
			},
			chart.TimeSeries{
				Name:    "Prediction confidence",
				XValues: x,
				YValues: prediction,
			},
			chart.TimeSeries{
				Name:    "Market determinism",
				XValues: x,
				YValues: determinism,
			},
			chart.TimeSeries{
				Name:    "Intervention risk",
				XValues: x,
				YValues: risk,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
