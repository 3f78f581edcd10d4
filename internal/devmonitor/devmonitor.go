// Package devmonitor implements the Development Monitor: a bounded
// ring of periodic metric snapshots, trend classification, and
// anomaly/alert detection.
package devmonitor

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/sentinel-agent/internal/events"
)

// Trend classifies a metric's recent movement.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

const trendBand = 0.05

// AnomalyKind distinguishes the two detection rules.
type AnomalyKind string

const (
	AnomalyStatistical AnomalyKind = "statistical_anomaly"
	AnomalySuddenDrop  AnomalyKind = "sudden_drop"
)

// Severity is the alert severity derived from an anomaly's kind.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Record is one timestamped collection of metric values.
type Record struct {
	Timestamp time.Time
	Values    map[string]float64
}

// Anomaly describes one detected deviation for a single metric.
type Anomaly struct {
	Metric string
	Kind   AnomalyKind
	ZScore float64 // populated for AnomalyStatistical
	Delta  float64 // populated for AnomalySuddenDrop
}

// Alert wraps an Anomaly with a severity and is what gets appended to
// the bounded alert list and published on the event bus.
type Alert struct {
	ID        string
	Anomaly   Anomaly
	Severity  Severity
	Timestamp time.Time
}

// Config controls ring size, alert-list size, and per-metric
// sudden-drop thresholds (keyed "<metric>_drop").
type Config struct {
	RecordHistoryLength int // default 100
	AlertHistoryLength  int // default 100
	AlertThresholds     map[string]float64
}

func (c Config) withDefaults() Config {
	if c.RecordHistoryLength <= 0 {
		c.RecordHistoryLength = 100
	}
	if c.AlertHistoryLength <= 0 {
		c.AlertHistoryLength = 100
	}
	if c.AlertThresholds == nil {
		c.AlertThresholds = map[string]float64{}
	}
	return c
}

// Monitor is the Development Monitor component: an in-memory bounded
// ring mirrored into a SQLite table for durability across restarts,
// matching the ring-table pattern internal/usage.Store uses for usage
// records.
type Monitor struct {
	cfg    Config
	db     *sql.DB
	bus    *events.Bus
	mu     sync.Mutex
	ring   []Record
	alerts []Alert
}

// New opens (creating if needed) the metrics database at dbPath and
// returns a ready Monitor. bus may be nil; Publish on a nil bus is a
// no-op.
func New(cfg Config, dbPath string, bus *events.Bus) (*Monitor, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open devmonitor database: %w", err)
	}

	m := &Monitor{cfg: cfg.withDefaults(), db: db, bus: bus}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate devmonitor schema: %w", err)
	}
	if err := m.loadRing(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metric ring: %w", err)
	}

	return m, nil
}

// Close closes the underlying database connection.
func (m *Monitor) Close() error {
	return m.db.Close()
}

func (m *Monitor) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS metric_records (
		id        TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		metric    TEXT NOT NULL,
		value     REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metric_records_ts ON metric_records(timestamp);
	`
	_, err := m.db.Exec(schema)
	return err
}

func (m *Monitor) loadRing() error {
	rows, err := m.db.Query(`SELECT timestamp, metric, value FROM metric_records ORDER BY timestamp ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	byTimestamp := map[string]*Record{}
	var order []string
	for rows.Next() {
		var ts, metric string
		var value float64
		if err := rows.Scan(&ts, &metric, &value); err != nil {
			return err
		}
		rec, ok := byTimestamp[ts]
		if !ok {
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return fmt.Errorf("parse metric record timestamp %q: %w", ts, err)
			}
			rec = &Record{Timestamp: parsed, Values: map[string]float64{}}
			byTimestamp[ts] = rec
			order = append(order, ts)
		}
		rec.Values[metric] = value
	}

	ring := make([]Record, 0, len(order))
	for _, ts := range order {
		ring = append(ring, *byTimestamp[ts])
	}
	if len(ring) > m.cfg.RecordHistoryLength {
		ring = ring[len(ring)-m.cfg.RecordHistoryLength:]
	}

	m.mu.Lock()
	m.ring = ring
	m.mu.Unlock()
	return nil
}

// CollectFunc produces the current value for each configured metric.
// Implementations typically read from usage counters, latency
// histograms, or a quality-scoring heuristic.
type CollectFunc func(ctx context.Context) (map[string]float64, error)

// Cycle runs one monitoring cycle: collects the metric set via
// collect, appends a Record to the ring (trimming to
// RecordHistoryLength), persists it, then runs trend analysis and
// anomaly detection, emitting an Alert for every anomaly found.
func (m *Monitor) Cycle(ctx context.Context, collect CollectFunc) ([]Alert, error) {
	values, err := collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	rec := Record{Timestamp: time.Now(), Values: values}
	if err := m.persist(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist metric record: %w", err)
	}

	m.mu.Lock()
	m.ring = append(m.ring, rec)
	if len(m.ring) > m.cfg.RecordHistoryLength {
		m.ring = m.ring[len(m.ring)-m.cfg.RecordHistoryLength:]
	}
	ring := append([]Record(nil), m.ring...)
	m.mu.Unlock()

	var newAlerts []Alert
	for metric := range values {
		series := seriesFor(ring, metric)
		if anomaly, ok := detectAnomaly(series, m.cfg.AlertThresholds[metric+"_drop"]); ok {
			anomaly.Metric = metric
			alert := Alert{
				ID:        uuid.Must(uuid.NewV7()).String(),
				Anomaly:   anomaly,
				Severity:  severityFor(anomaly.Kind),
				Timestamp: rec.Timestamp,
			}
			newAlerts = append(newAlerts, alert)
		}
	}

	if len(newAlerts) > 0 {
		m.mu.Lock()
		m.alerts = append(m.alerts, newAlerts...)
		if len(m.alerts) > m.cfg.AlertHistoryLength {
			m.alerts = m.alerts[len(m.alerts)-m.cfg.AlertHistoryLength:]
		}
		m.mu.Unlock()

		for _, a := range newAlerts {
			m.bus.Publish(events.Event{
				Timestamp: a.Timestamp,
				Source:    "devmonitor",
				Kind:      "anomaly_alert",
				Data: map[string]any{
					"metric":   a.Anomaly.Metric,
					"kind":     string(a.Anomaly.Kind),
					"severity": string(a.Severity),
				},
			})
		}
	}

	return newAlerts, nil
}

func (m *Monitor) persist(ctx context.Context, rec Record) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := rec.Timestamp.Format(time.RFC3339Nano)
	for metric, value := range rec.Values {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate metric record ID: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metric_records (id, timestamp, metric, value) VALUES (?, ?, ?, ?)`,
			id.String(), ts, metric, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func seriesFor(ring []Record, metric string) []float64 {
	out := make([]float64, 0, len(ring))
	for _, rec := range ring {
		if v, ok := rec.Values[metric]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Trends returns the classified trend for every metric currently in
// the ring, computed as the signed average slope between consecutive
// points.
func (m *Monitor) Trends() map[string]Trend {
	m.mu.Lock()
	ring := append([]Record(nil), m.ring...)
	m.mu.Unlock()

	metrics := map[string]struct{}{}
	for _, rec := range ring {
		for metric := range rec.Values {
			metrics[metric] = struct{}{}
		}
	}

	out := make(map[string]Trend, len(metrics))
	for metric := range metrics {
		out[metric] = classifyTrend(averageSlope(seriesFor(ring, metric)))
	}
	return out
}

func averageSlope(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(series); i++ {
		sum += series[i] - series[i-1]
	}
	return sum / float64(len(series)-1)
}

func classifyTrend(slope float64) Trend {
	switch {
	case slope > trendBand:
		return TrendIncreasing
	case slope < -trendBand:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// detectAnomaly evaluates the latest point in series against the prior
// values. Statistical anomaly takes precedence when both rules fire.
func detectAnomaly(series []float64, dropThreshold float64) (Anomaly, bool) {
	if len(series) < 2 {
		return Anomaly{}, false
	}

	latest := series[len(series)-1]
	prior := series[:len(series)-1]

	mean, stdev := meanStdev(prior)
	if stdev > 0 {
		z := math.Abs(latest-mean) / stdev
		if z > 2 {
			return Anomaly{Kind: AnomalyStatistical, ZScore: z}, true
		}
	}

	delta := latest - prior[len(prior)-1]
	if dropThreshold > 0 && delta < -dropThreshold {
		return Anomaly{Kind: AnomalySuddenDrop, Delta: delta}, true
	}

	return Anomaly{}, false
}

func meanStdev(values []float64) (mean, stdev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}

func severityFor(kind AnomalyKind) Severity {
	if kind == AnomalySuddenDrop {
		return SeverityHigh
	}
	return SeverityMedium
}

// Alerts returns a copy of the bounded alert list.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Ring returns a copy of the current metric ring.
func (m *Monitor) Ring() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.ring))
	copy(out, m.ring)
	return out
}
