package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/riskcase/internal/formatting"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/server"
)

var analyzeFlags struct {
	name    string
	address string
	lat     float64
	lon     float64
	horizon int
	asOf    string
	format  string
	timeout time.Duration
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one risk case in-process and print the response",
	Long: `Analyze resolves the business, acquires city signals, scores risk and
drafts a strategy without starting the API server. The response is printed
as JSON, including partial results when the case needs confirmation or fails.

Usage:
  riskctl analyze --name "Blue Bottle Coffee" --address "66 Mint St"
  riskctl analyze --address "66 Mint St" --lat 37.782 --lon -122.407 --horizon 12`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeFlags.name, "name", "", "Business name")
	f.StringVar(&analyzeFlags.address, "address", "", "Street address")
	f.Float64Var(&analyzeFlags.lat, "lat", 0, "Latitude (requires --lon)")
	f.Float64Var(&analyzeFlags.lon, "lon", 0, "Longitude (requires --lat)")
	f.IntVar(&analyzeFlags.horizon, "horizon", 0, "Forecast horizon in months (default 6)")
	f.StringVar(&analyzeFlags.asOf, "as-of", "", "Analysis date, YYYY-MM-DD (default today)")
	f.StringVarP(&analyzeFlags.format, "format", "f", "json", "Output format: json or markdown")
	f.DurationVar(&analyzeFlags.timeout, "timeout", 5*time.Minute, "Overall case deadline")
}

func analyzeRequest(cmd *cobra.Command) (models.CaseRequest, error) {
	req := models.CaseRequest{
		BusinessName:  analyzeFlags.name,
		Address:       analyzeFlags.address,
		HorizonMonths: analyzeFlags.horizon,
	}
	if cmd.Flags().Changed("lat") {
		lat := analyzeFlags.lat
		req.Lat = &lat
	}
	if cmd.Flags().Changed("lon") {
		lon := analyzeFlags.lon
		req.Lon = &lon
	}
	if analyzeFlags.asOf != "" {
		t, err := time.Parse(time.DateOnly, analyzeFlags.asOf)
		if err != nil {
			return models.CaseRequest{}, fmt.Errorf("invalid --as-of: %w", err)
		}
		req.AsOf = t
	}
	return req, req.Validate()
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	req, err := analyzeRequest(cmd)
	if err != nil {
		return err
	}
	if analyzeFlags.format != "json" && analyzeFlags.format != "markdown" {
		return fmt.Errorf("unknown --format %q", analyzeFlags.format)
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, analyzeFlags.timeout)
	defer cancel()

	svc, err := server.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Shutdown(context.Background())

	resp, runErr := svc.Manager().Run(ctx, req)
	if resp != nil {
		if err := writeResponse(cmd.OutOrStdout(), resp, analyzeFlags.format); err != nil {
			return err
		}
	}
	return runErr
}

func writeResponse(w io.Writer, resp *models.RiskAnalysisResponse, format string) error {
	if format == "markdown" {
		_, err := io.WriteString(w, formatting.Markdown(resp))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
