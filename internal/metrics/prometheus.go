package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/types"
)

const namespace = "ibex"

// RunMetrics is the outcome of one command run.
type RunMetrics struct {
	// Job names the textfile: backup_full, backup_inc, archiver or watchdog.
	Job string

	StartTime time.Time
	Duration  time.Duration

	ExitCode int
	// Severity is the outcome the run recorded in its monitor file.
	Severity types.Severity

	WarningCount int64
	ErrorCount   int64

	// Items holds per-result counts of the staged directories a run visited.
	Items map[string]int
}

// Status maps the run outcome to 0=success, 1=warning, 2=error. Logged
// warnings do not count: the backup tool reports progress on stderr.
func (m *RunMetrics) Status() int {
	switch {
	case m.ExitCode != 0 || m.Severity == types.SeverityCritical:
		return 2
	case m.Severity == types.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// PrometheusExporter writes run metrics in Prometheus textfile format for
// node_exporter's textfile collector.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Path returns the textfile written for job.
func (pe *PrometheusExporter) Path(job string) string {
	return filepath.Join(pe.textfileDir, namespace+"_"+job+".prom")
}

// Export writes the snapshot to ibex_<job>.prom in textfileDir. The file is
// replaced atomically.
func (pe *PrometheusExporter) Export(m *RunMetrics) error {
	if pe == nil || m == nil {
		return nil
	}
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}
	if m.Job == "" {
		return fmt.Errorf("metrics job name is empty")
	}
	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	registry, err := newRegistry(m)
	if err != nil {
		return err
	}

	finalPath := pe.Path(m.Job)
	if err := prometheus.WriteToTextfile(finalPath, registry); err != nil {
		return fmt.Errorf("write metrics file %s: %w", finalPath, err)
	}
	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}
	return nil
}

func newRegistry(m *RunMetrics) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"job_name": m.Job}

	gauge := func(name, help string, value float64) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
		g.Set(value)
		return g
	}

	collectors := []prometheus.Collector{
		gauge("run_start_time_seconds", "Unix timestamp of the run start", float64(m.StartTime.Unix())),
		gauge("run_duration_seconds", "Duration of the last run in seconds", m.Duration.Seconds()),
		gauge("run_exit_code", "Exit code of the last run", float64(m.ExitCode)),
		gauge("run_status", "Status of the last run (0=success,1=warning,2=error)", float64(m.Status())),
		gauge("log_warnings", "Warnings logged during the last run", float64(m.WarningCount)),
		gauge("log_errors", "Errors logged during the last run", float64(m.ErrorCount)),
	}

	if len(m.Items) > 0 {
		items := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "items",
			Help:        "Staged directories visited during the last run, by result",
			ConstLabels: constLabels,
		}, []string{"result"})
		results := make([]string, 0, len(m.Items))
		for result := range m.Items {
			results = append(results, result)
		}
		sort.Strings(results)
		for _, result := range results {
			items.WithLabelValues(result).Set(float64(m.Items[result]))
		}
		collectors = append(collectors, items)
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return registry, nil
}
