package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/regnexus/pkg/config"
	"github.com/Mindburn-Labs/regnexus/pkg/drift"
	"github.com/Mindburn-Labs/regnexus/pkg/harmonize"
	"github.com/Mindburn-Labs/regnexus/pkg/retroaudit"
)

const testCatalog = `
version: "1.2.0"
regions:
  EU: [DE, FR]
rules:
  - id: gdpr
    name: General Data Protection Regulation
    jurisdiction: EU
    required_evidence: [consent_record]
  - id: bdsg
    name: Bundesdatenschutzgesetz
    jurisdiction: DE
    requirements: [works_council_approval]
conflicts:
  - laws: [gdpr, bdsg]
    conflict_type: territorial_scope
    severity: 0.5
    strategy: territorial_priority
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"regnexus"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "harmonize")

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)

	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_DefaultsToServer(t *testing.T) {
	var gotArgs []string
	orig := startServer
	startServer = func(args []string, _, _ io.Writer) int {
		gotArgs = args
		return 0
	}
	t.Cleanup(func() { startServer = orig })

	code, _, _ := run()
	assert.Equal(t, 0, code)
	assert.Nil(t, gotArgs)

	code, _, _ = run("--addr", ":9999")
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"--addr", ":9999"}, gotArgs)
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "catalog.yaml", testCatalog)

	code, out, _ := run("validate", "--catalog", path)
	assert.Equal(t, 0, code)
	assert.Equal(t, "catalog 1.2.0: 2 rules, 1 conflicts\n", out)

	code, out, _ = run("validate", "--catalog", path, "--json", "--min-version", "2.0.0")
	assert.Equal(t, 1, code)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, false, body["valid"])

	code, _, errOut := run("validate", "--catalog", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Invalid catalog")
}

func TestHarmonizeCmd(t *testing.T) {
	path := writeFile(t, "catalog.yaml", testCatalog)

	code, out, errOut := run("harmonize", "--catalog", path, "--laws", "gdpr,bdsg", "--location", "DE")
	require.Equal(t, 0, code, errOut)

	var res harmonize.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "territorial_priority", string(res.StrategyUsed))
	assert.Contains(t, res.ResolvedRequirements, "works_council_approval")

	code, _, errOut = run("harmonize", "--catalog", path, "--laws", "gdpr,ccpa")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "ccpa")
}

func TestAuditCmd(t *testing.T) {
	path := writeFile(t, "catalog.yaml", testCatalog)
	records := writeFile(t, "records.json", `[
		{"record_id": "op-1", "timestamp": "2025-06-01T10:00:00Z"},
		{"record_id": "op-2", "timestamp": "2025-06-02T10:00:00Z", "evidence": {"consent_record": "c-1"}},
		{"record_id": "op-3", "timestamp": "2024-01-01T00:00:00Z"}
	]`)
	window := []string{"--start", "2025-05-01T00:00:00Z", "--end", "2025-07-01T00:00:00Z"}

	code, out, errOut := run(append([]string{"audit", "--catalog", path, "--records", records}, window...)...)
	require.Equal(t, 0, code, errOut)
	var res retroaudit.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.RecordsScanned)
	assert.Equal(t, 1, res.RecordsExcluded)
	assert.Equal(t, 1, res.ViolationsByLaw["gdpr"])

	code, _, _ = run(append([]string{"audit", "--catalog", path, "--records", records, "--fail-on-violations"}, window...)...)
	assert.Equal(t, 1, code)

	code, _, _ = run("audit", "--catalog", path)
	assert.Equal(t, 2, code, "records flag is required")

	code, _, _ = run("audit", "--catalog", path, "--records", records, "--start", "yesterday")
	assert.Equal(t, 2, code)

	code, _, errOut = run("audit", "--catalog", path, "--records", records, "--start", "2025-07-01T00:00:00Z", "--end", "2025-05-01T00:00:00Z")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Audit failed")
}

func TestHealthCmd(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"status":"ok","health_score":0.93,"catalog_version":"1.2.0"}`)
	}))
	defer ts.Close()

	code, out, _ := run("health", "--url", ts.URL)
	assert.Equal(t, 0, code)
	assert.Equal(t, "OK (health 0.93, catalog 1.2.0)\n", out)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	code, _, errOut := run("health", "--url", down.URL)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "status 503")
}

func TestBuildOracle_BaselinesPersistAcrossRestarts(t *testing.T) {
	for _, backend := range []string{config.HistoryFile, config.HistorySQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			cfg.CatalogPath = writeFile(t, "catalog.yaml", testCatalog)
			cfg.History.Backend = backend
			cfg.History.Dir = t.TempDir()
			cat, err := loadCatalog(cfg)
			require.NoError(t, err)

			monitor := func(d drift.Distribution) float64 {
				l, err := openLogs(ctx, cfg)
				require.NoError(t, err)
				defer func() { _ = l.Close() }()
				o, err := buildOracle(ctx, cfg, cat, l, extras{})
				require.NoError(t, err)
				res, err := o.Monitor(ctx, map[string]drift.Distribution{"gdpr": d})
				require.NoError(t, err)
				require.Empty(t, res.Errors)
				return res.DriftScores["gdpr"]
			}

			assert.Equal(t, 0.0, monitor(drift.Distribution{0.5, 0.3, 0.2}), "cold start")
			assert.Greater(t, monitor(drift.Distribution{0.1, 0.1, 0.8}), 0.5, "baseline reloaded after restart")
			assert.Greater(t, monitor(drift.Distribution{0.1, 0.1, 0.8}), 0.5)
		})
	}
}

func TestBuildOracle_SeedsCatalogBaselines(t *testing.T) {
	ctx := context.Background()
	seeded := strings.Replace(testCatalog,
		"    required_evidence: [consent_record]\n",
		"    required_evidence: [consent_record]\n    outcome_buckets: [granted, withdrawn, absent]\n    baseline: [0.5, 0.3, 0.2]\n", 1)
	require.NotEqual(t, testCatalog, seeded)

	cfg := config.Default()
	cfg.CatalogPath = writeFile(t, "catalog.yaml", seeded)
	cfg.History.Backend = config.HistoryMemory
	cat, err := loadCatalog(cfg)
	require.NoError(t, err)
	l, err := openLogs(ctx, cfg)
	require.NoError(t, err)
	o, err := buildOracle(ctx, cfg, cat, l, extras{})
	require.NoError(t, err)

	res, err := o.Monitor(ctx, map[string]drift.Distribution{"gdpr": {0.1, 0.1, 0.8}})
	require.NoError(t, err)
	assert.Greater(t, res.DriftScores["gdpr"], 0.5)
	assert.Contains(t, res.CriticalRuleIDs, "gdpr")
}

func TestServe_EndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.CatalogPath = writeFile(t, "catalog.yaml", testCatalog)
	cfg.History.Backend = config.HistorySQLite
	cfg.History.Dir = t.TempDir()
	cfg.Archive.Backend = "file"
	cfg.Archive.Dir = t.TempDir()
	cfg.JWTSecret = ""

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ln, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/v1/audit", "application/json", strings.NewReader(`{
		"records": [{"record_id": "op-1", "timestamp": "2025-06-01T10:00:00Z"}],
		"time_range": {"start": "2025-05-01T00:00:00Z", "end": "2025-07-01T00:00:00Z"}
	}`))
	require.NoError(t, err)
	var res retroaudit.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, res.ViolationsFound)
	assert.True(t, strings.HasPrefix(res.ArchiveRef, "sha256:"), "audit is archived")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = os.Stat(filepath.Join(cfg.History.Dir, "regnexus.db"))
	assert.NoError(t, err, "sqlite history file created")
}

func TestServe_AuthRequiredWhenSecretSet(t *testing.T) {
	cfg := config.Default()
	cfg.CatalogPath = writeFile(t, "catalog.yaml", testCatalog)
	cfg.JWTSecret = "serve-test-secret"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = serve(ctx, cfg, ln, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/v1/stats")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServe_BadCatalogFails(t *testing.T) {
	cfg := config.Default()
	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = serve(context.Background(), cfg, ln, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
