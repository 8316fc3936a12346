package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/skylark-fpv/fctuner/internal/analysis"
	"github.com/skylark-fpv/fctuner/internal/blackbox"
	"github.com/skylark-fpv/fctuner/internal/device"
	"github.com/skylark-fpv/fctuner/internal/tuning"
)

// runTune performs one step of the guided cycle: it inspects the persisted
// session for the connected device, does whatever the current phase calls
// for, and prints what the pilot should do next. Run it again after each
// flight.
func runTune(ctx context.Context, config *Config, logger *slog.Logger) error {
	style, err := config.Analysis.PilotStyle()
	if err != nil {
		return err
	}

	client, closeFn, err := connect(config, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	dbPath, err := config.Storage.DBPath()
	if err != nil {
		return err
	}
	store := tuning.NewSqliteStore(dbPath)
	defer store.Close()

	orch := tuning.NewOrchestrator(store, client, tuning.WithLogger(logger))
	defer orch.Close()

	id, err := client.Identity(ctx)
	if err != nil {
		return fmt.Errorf("reading identity: %w", err)
	}
	profileID := profileID(id)
	logger.Info("device connected", slog.String("profile", profileID), slog.String("device", id.String()))

	// The reconnect observer may advance a flight-pending phase when the
	// flash shows a flight happened since the last run.
	if err := orch.HandleConnect(ctx, profileID); err != nil {
		return fmt.Errorf("reconnect check: %w", err)
	}

	session, err := orch.Session(ctx, profileID)
	if errors.Is(err, tuning.ErrNoSession) {
		if session, err = orch.Start(ctx, profileID); err != nil {
			return fmt.Errorf("starting session: %w", err)
		}
		fmt.Println("Tuning session started.")
	} else if err != nil {
		return err
	}

	return stepPhase(ctx, config, orch, client, session, style, logger)
}

func stepPhase(ctx context.Context, config *Config, orch *tuning.Orchestrator, client *device.Client,
	session *tuning.TuningSession, style analysis.Style, logger *slog.Logger) error {

	profileID := session.ProfileID

	switch session.Phase {
	case tuning.PhaseFilterFlightPending:
		fmt.Println("Next: fly a 2-3 minute hover and gentle-cruise flight with blackbox")
		fmt.Println("logging enabled, then reconnect and run 'fctuner tune' again.")
		return nil

	case tuning.PhaseFilterLogReady:
		if err := fetchLog(ctx, config, client, profileID, "filter", logger); err != nil {
			return err
		}
		if err := orch.Advance(ctx, profileID, tuning.PhaseFilterAnalysis); err != nil {
			return err
		}
		session.Phase = tuning.PhaseFilterAnalysis
		return stepPhase(ctx, config, orch, client, session, style, logger)

	case tuning.PhaseFilterAnalysis:
		data, err := loadLog(config, profileID, "filter", logger)
		if err != nil {
			return err
		}
		filters, err := client.FilterConfig(ctx)
		if err != nil {
			return fmt.Errorf("reading filter configuration: %w", err)
		}

		var pipe tuning.AnalysisPipeline
		noise, err := pipe.AnalyzeNoise(ctx, data, filters, nil)
		if err != nil {
			return fmt.Errorf("noise analysis: %w", err)
		}
		printNoise(noise)

		if err := orch.AttachMetrics(ctx, profileID, noise, nil, nil); err != nil {
			return err
		}
		if len(noise.Recommendations) == 0 {
			fmt.Println("Filters already look good; applying no changes.")
		}
		if err := orch.ApplyFilterChanges(ctx, profileID, noise.Recommendations); err != nil {
			return fmt.Errorf("applying filter changes: %w", err)
		}
		fmt.Println("Filter changes saved; the device is rebooting.")
		fmt.Println("Reconnect and run 'fctuner tune' to continue.")
		return nil

	case tuning.PhaseFilterApplied:
		if err := orch.Advance(ctx, profileID, tuning.PhasePIDFlightPending); err != nil {
			return err
		}
		fmt.Println("Next: fly a flight with sharp stick inputs (snap rolls, punch-outs)")
		fmt.Println("with logging enabled, then reconnect and run 'fctuner tune' again.")
		return nil

	case tuning.PhasePIDFlightPending:
		fmt.Println("Waiting for the PID test flight: sharp stick inputs, logging enabled.")
		return nil

	case tuning.PhasePIDLogReady:
		if err := fetchLog(ctx, config, client, profileID, "pid", logger); err != nil {
			return err
		}
		if err := orch.Advance(ctx, profileID, tuning.PhasePIDAnalysis); err != nil {
			return err
		}
		session.Phase = tuning.PhasePIDAnalysis
		return stepPhase(ctx, config, orch, client, session, style, logger)

	case tuning.PhasePIDAnalysis:
		data, err := loadLog(config, profileID, "pid", logger)
		if err != nil {
			return err
		}
		pids, err := client.PIDs(ctx)
		if err != nil {
			return fmt.Errorf("reading gains: %w", err)
		}

		var pipe tuning.AnalysisPipeline
		steps, err := pipe.AnalyzeSteps(ctx, data, pids, style, nil)
		if err != nil {
			return fmt.Errorf("step analysis: %w", err)
		}
		printSteps(steps)

		chirp, err := pipe.AnalyzeChirp(ctx, data, nil, nil)
		if err != nil {
			return fmt.Errorf("chirp analysis: %w", err)
		}
		printChirp(chirp)

		if err := orch.AttachMetrics(ctx, profileID, nil, steps, chirp); err != nil {
			return err
		}
		if err := orch.ApplyPIDChanges(ctx, profileID, steps.Recommendations); err != nil {
			return fmt.Errorf("applying gain changes: %w", err)
		}
		fmt.Println("Gain changes saved; the device is rebooting.")
		fmt.Println("Reconnect and run 'fctuner tune' to continue.")
		return nil

	case tuning.PhasePIDApplied:
		if err := orch.Advance(ctx, profileID, tuning.PhaseVerificationPending); err != nil {
			return err
		}
		fmt.Println("Next: fly a short verification flight, or run 'fctuner tune' again")
		fmt.Println("to finish without one.")
		return nil

	case tuning.PhaseVerificationPending:
		summary, err := client.DataflashSummary(ctx)
		if err != nil {
			return fmt.Errorf("reading flash summary: %w", err)
		}
		if summary.UsedSize > 0 {
			fmt.Println("Verification flight found. Tuning cycle complete.")
		} else {
			fmt.Println("Finishing without a verification flight.")
		}
		if err := orch.SkipVerification(ctx, profileID); err != nil {
			return err
		}
		printHistory(ctx, orch, profileID)
		return nil

	default:
		return fmt.Errorf("unexpected phase %s", session.Phase)
	}
}

// fetchLog downloads the dataflash to the per-phase log file and erases the
// chip for the next flight.
func fetchLog(ctx context.Context, config *Config, client *device.Client, profileID, kind string, logger *slog.Logger) error {
	path, err := logPath(config, profileID, kind)
	if err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer out.Close()

	n, err := client.DownloadFlash(ctx, out, nil)
	if err != nil {
		return fmt.Errorf("downloading flash: %w", err)
	}
	logger.Info("flight log saved",
		slog.String("file", path), slog.String("size", humanize.IBytes(uint64(n))))

	if err := client.EraseFlash(ctx); err != nil {
		return fmt.Errorf("erasing flash: %w", err)
	}
	return nil
}

// loadLog decodes the per-phase log file and returns the longest session.
func loadLog(config *Config, profileID, kind string, logger *slog.Logger) (*analysis.FlightData, error) {
	path, err := logPath(config, profileID, kind)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	decoder := blackbox.NewDecoder(blackbox.WithLogger(logger))
	file, err := decoder.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	best := file.Sessions[0]
	for _, s := range file.Sessions[1:] {
		if s.Frames() > best.Frames() {
			best = s
		}
	}
	return analysis.FromSession(best), nil
}

func logPath(config *Config, profileID, kind string) (string, error) {
	dbPath, err := config.Storage.DBPath()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.bbl", sanitize(profileID), kind)
	return filepath.Join(filepath.Dir(dbPath), name), nil
}

func printHistory(ctx context.Context, orch *tuning.Orchestrator, profileID string) {
	records, err := orch.Records(ctx, profileID)
	if err != nil || len(records) == 0 {
		return
	}
	last := records[len(records)-1]
	fmt.Printf("\nApplied %d changes over %s:\n",
		len(last.AppliedChanges), last.FinishedAt.Sub(last.StartedAt).Round(time.Second))
	for _, c := range last.AppliedChanges {
		fmt.Printf("  %s: %d -> %d (%s)\n", c.Setting, c.Previous, c.Applied, c.Channel)
	}
}

// profileID derives a stable per-device key from the identity fields.
func profileID(id *device.Identity) string {
	return fmt.Sprintf("%s-%s-%s", id.Variant, id.Board, id.Version)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
