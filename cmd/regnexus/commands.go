package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/config"
	"github.com/Mindburn-Labs/regnexus/pkg/harmonize"
	"github.com/Mindburn-Labs/regnexus/pkg/oracle"
	"github.com/Mindburn-Labs/regnexus/pkg/retroaudit"
)

// offlineConfig is the configuration for one-shot commands: in-memory
// history and warnings on stderr so stdout stays machine readable.
func offlineConfig(catalogPath string, stderr io.Writer) *config.Config {
	cfg := config.Default()
	cfg.CatalogPath = catalogPath
	cfg.History.Backend = config.HistoryMemory
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	return cfg
}

// offlineOracle returns nil and an exit code when the engine cannot be built.
func offlineOracle(cfg *config.Config, stderr io.Writer) (*oracle.Oracle, int) {
	cat, err := loadCatalog(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid catalog: %v\n", err)
		return nil, 1
	}
	l, err := openLogs(context.Background(), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "History: %v\n", err)
		return nil, 1
	}
	o, err := buildOracle(context.Background(), cfg, cat, l, extras{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Engine: %v\n", err)
		return nil, 2
	}
	return o, 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		catalogPath string
		minVersion  string
		jsonOutput  bool
	)
	cmd.StringVar(&catalogPath, "catalog", "catalog.yaml", "Path to the rule catalog")
	cmd.StringVar(&minVersion, "min-version", "", "Reject catalogs older than this version")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := offlineConfig(catalogPath, stderr)
	if minVersion != "" {
		cfg.MinCatalogVersion = minVersion
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		if jsonOutput {
			_ = writeJSON(stdout, map[string]any{"valid": false, "error": err.Error()})
		} else {
			_, _ = fmt.Fprintf(stderr, "Invalid catalog: %v\n", err)
		}
		return 1
	}

	if jsonOutput {
		_ = writeJSON(stdout, map[string]any{
			"valid":     true,
			"version":   cat.Version,
			"rules":     cat.Len(),
			"conflicts": cat.Matrix().Len(),
		})
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "catalog %s: %d rules, %d conflicts\n", cat.Version, cat.Len(), cat.Matrix().Len())
	return 0
}

func runHarmonizeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("harmonize", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		catalogPath string
		laws        string
		octx        harmonize.OperationContext
		dataTypes   string
	)
	cmd.StringVar(&catalogPath, "catalog", "catalog.yaml", "Path to the rule catalog")
	cmd.StringVar(&laws, "laws", "", "Comma-separated rule ids (default: every applicable rule)")
	cmd.StringVar(&octx.Location, "location", "", "Operation location")
	cmd.StringVar(&octx.Sector, "sector", "", "Operation sector")
	cmd.StringVar(&dataTypes, "data-types", "", "Comma-separated data types")
	cmd.StringVar(&octx.EmergencyType, "emergency", "", "Declared emergency type")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	octx.DataTypes = splitList(dataTypes)

	cfg := offlineConfig(catalogPath, stderr)
	o, code := offlineOracle(cfg, stderr)
	if o == nil {
		return code
	}

	res, err := o.Harmonize(context.Background(), splitList(laws), octx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Harmonization failed: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, res); err != nil {
		return 1
	}
	return 0
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		catalogPath string
		recordsPath string
		policy      string
		start, end  string
		failOnViol  bool
	)
	cmd.StringVar(&catalogPath, "catalog", "catalog.yaml", "Path to the rule catalog")
	cmd.StringVar(&recordsPath, "records", "", "JSON array of operation records (REQUIRED)")
	cmd.StringVar(&policy, "timestamp-policy", "include", "Unparseable timestamps: include or exclude")
	cmd.StringVar(&start, "start", "", "Window start (RFC 3339)")
	cmd.StringVar(&end, "end", "", "Window end (RFC 3339, default now)")
	cmd.BoolVar(&failOnViol, "fail-on-violations", false, "Exit 1 when violations are found")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if recordsPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --records is required")
		return 2
	}

	var window *retroaudit.TimeRange
	if start != "" || end != "" {
		window = &retroaudit.TimeRange{}
		for _, f := range []struct {
			val string
			dst *time.Time
		}{{start, &window.Start}, {end, &window.End}} {
			if f.val == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, f.val)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Invalid time %q: %v\n", f.val, err)
				return 2
			}
			*f.dst = t
		}
	}

	data, err := os.ReadFile(recordsPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to read records: %v\n", err)
		return 1
	}
	var records []retroaudit.OperationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to parse records: %v\n", err)
		return 1
	}

	cfg := offlineConfig(catalogPath, stderr)
	cfg.TimestampPolicy = policy
	o, code := offlineOracle(cfg, stderr)
	if o == nil {
		return code
	}

	res, err := o.Audit(context.Background(), records, window)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Audit failed: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, res); err != nil {
		return 1
	}
	if failOnViol && res.ViolationsFound > 0 {
		return 1
	}
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		baseURL string
		timeout time.Duration
	)
	cmd.StringVar(&baseURL, "url", "http://localhost:8080", "Server base URL")
	cmd.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(strings.TrimSuffix(baseURL, "/") + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	var body struct {
		Status         string  `json:"status"`
		HealthScore    float64 `json:"health_score"`
		CatalogVersion string  `json:"catalog_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s (health %.2f, catalog %s)\n", strings.ToUpper(body.Status), body.HealthScore, body.CatalogVersion)
	return 0
}
