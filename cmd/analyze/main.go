package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/internal/core/services"
	"streamsight/internal/infrastructure/capture"
	"streamsight/internal/infrastructure/reliability"
	"streamsight/internal/infrastructure/repositories"
	"streamsight/pkg/config"
	"streamsight/pkg/logger"
	"streamsight/pkg/utils"

	"go.uber.org/zap"
)

func main() {
	input := flag.String("input", "", "capture to analyze (.pcap, .pcapng, .json, .jsonl)")
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	out := flag.String("out", "-", "where to write the report JSON, - for stdout")
	store := flag.Bool("store", false, "also save the report in the configured report store")
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: analyze -input <capture> [-config file] [-out report.json] [-store]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *input, *out, *store, log); err != nil {
		log.Errorw("Analysis failed", "input", *input, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, input, out string, store bool, log *zap.SugaredLogger) error {
	source, err := capture.Open(input, cfg.Analysis)
	if err != nil {
		return err
	}
	defer source.Close()

	analysis := services.NewAnalysisService(cfg.Analysis, nil, log)

	var report *domain.Report
	if store {
		factory, ferr := repositories.NewRepositoryFactory(cfg, log)
		if ferr != nil {
			return ferr
		}
		defer factory.Close()

		repo := reliability.NewFromConfig(factory.CreateReportRepository(), factory.Backend(), cfg, log)
		var reports ports.ReportService = services.NewReportService(analysis, repo, nil, log)
		report, err = reports.CreateReport(ctx, source)
	} else {
		report, err = analysis.Analyze(ctx, source)
	}
	if err != nil && report == nil {
		return err
	}

	if err := writeReport(report, out); err != nil {
		return err
	}
	if report.Stats.Accepted == 0 {
		log.Warnw("Report written without analysis", "output", out, "skipped", report.Stats.Skipped)
		return domain.EmptyCaptureError(report.Stats)
	}

	log.Infow("Report written",
		"report_id", report.ID,
		"output", out,
		"flows", report.Stats.Flows,
		"failed_flows", report.Stats.FailedFlows,
		"records", report.Stats.TotalRecords,
		"accepted", report.Stats.Accepted,
		"metrics", len(report.Metrics),
		"root_causes", len(report.RootCauses),
		"capture_span", utils.FormatSeconds(captureSpan(report)),
		"took", utils.FormatDuration(report.Duration),
	)
	return nil
}

func writeReport(report *domain.Report, out string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')

	if out == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// captureSpan is the time between the first and last analyzed packet.
func captureSpan(report *domain.Report) float64 {
	if len(report.Flows) == 0 {
		return 0
	}
	first, last := report.Flows[0].Start, report.Flows[0].End
	for _, f := range report.Flows[1:] {
		first = math.Min(first, f.Start)
		last = math.Max(last, f.End)
	}
	return last - first
}
