package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"rehoboam/internal/model"
	"rehoboam/internal/orchestrator"
	"rehoboam/internal/profiler"
	"rehoboam/internal/service"
)

// Replay feeds a recorded event file through the profiler and the orchestrator.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return err
	}
	events, err := LoadEvents(file)
	file.Close()
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.Path, err)
	}
	if len(events) == 0 {
		return errors.New("回放文件中没有事件")
	}

	svcOpts := service.Options{}
	if opts.DryRun {
		a.Logger.Warn().Msg("回放 dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer closeStore()
		}
		svcOpts = a.engineOptions(store)
	}

	engine, stop, err := a.startEngine(ctx, svcOpts)
	if err != nil {
		return err
	}
	defer stop()

	accepted, rejected, divergences := 0, 0, 0
	for _, ev := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := engine.Orchestrator.SubmitEvent(ctx, ev)
		if err != nil {
			if errors.Is(err, model.ErrInvalidEvent) {
				rejected++
				a.Logger.Warn().Err(err).Str("agent", ev.AgentID).Msg("事件被拒绝")
				continue
			}
			return err
		}
		accepted++
		if res.Divergence != nil {
			divergences++
		}
	}
	a.Logger.Info().Int("accepted", accepted).Int("rejected", rejected).Int("divergences", divergences).Msg("回放完成")

	profiles, err := engine.Profiler.Summaries(ctx)
	if err != nil {
		return err
	}
	loops, err := engine.Orchestrator.Loops(ctx)
	if err != nil {
		return err
	}
	writeProfiles(os.Stdout, profiles)
	writeLoops(os.Stdout, loops)

	if opts.Analyze {
		report, err := engine.Orchestrator.Analyze(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "omniscience=%.3f risk=%.3f decision=%s\n", report.Omniscience, report.InterventionRisk, report.Decision)
	}
	return stop()
}

// LoadEvents decodes behavior events from YAML or JSON. The document is either a
// sequence of events or a mapping with an events key. Events are returned in
// timestamp order.
func LoadEvents(r io.Reader) ([]model.BehaviorEvent, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	var events []model.BehaviorEvent
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&events); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var wrapped struct {
			Events []model.BehaviorEvent `yaml:"events"`
		}
		if err := root.Decode(&wrapped); err != nil {
			return nil, err
		}
		events = wrapped.Events
	default:
		return nil, fmt.Errorf("unexpected document kind %d", root.Kind)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func writeProfiles(out io.Writer, profiles []profiler.ProfileSnapshot) {
	if len(profiles) == 0 {
		fmt.Fprintln(out, "no profiles")
		return
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].AgentID < profiles[j].AgentID })
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Agent\tEvents\tTolerance\tFrequency\tHold\tSuccess\tPredictability\tStability\tAnomalies")
	for _, p := range profiles {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%.3f\t%s\t%s\t%.3f\t%.3f\t%.3f\t%d\n",
			p.AgentID,
			p.EventCount,
			p.Risk.Tolerance,
			p.Style.Frequency,
			p.Style.HoldTime,
			p.Style.SuccessRate,
			p.Score.Predictability,
			p.Score.Stability,
			p.Score.AnomalyCount,
		)
	}
	writer.Flush()
	fmt.Fprintln(out)
}

func writeLoops(out io.Writer, loops []orchestrator.Loop) {
	if len(loops) == 0 {
		fmt.Fprintln(out, "no loops")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Agent\tType\tPredictability\tIntegrity\tDeviation\tDirection\tNext")
	for _, l := range loops {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%.3f\t%s\t%.3f\t%s\t%v\n",
			l.AgentID,
			l.LoopType,
			l.Predictability,
			l.Integrity,
			l.Deviation,
			l.Direction,
			l.PredictedNext,
		)
	}
	writer.Flush()
	fmt.Fprintln(out)
}
