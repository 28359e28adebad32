package admin

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kabili207/fota-go/server/engine"
	"github.com/kabili207/fota-go/server/session"
)

const namespace = "fota"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(engine.CountersSnapshot) float64
}

func newCounterDesc(name, help string, value func(engine.CountersSnapshot) float64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", name), help, nil, nil),
		value: value,
	}
}

// collector reads the engine counters and registry state at scrape time.
type collector struct {
	counters *engine.Counters
	registry *session.Registry
	catalog  Catalog

	engineCounters []counterDesc
	activeConns    *prometheus.Desc
	sessions       *prometheus.Desc
	artifacts      *prometheus.Desc
}

func newCollector(counters *engine.Counters, registry *session.Registry, catalog Catalog) *collector {
	return &collector{
		counters: counters,
		registry: registry,
		catalog:  catalog,
		engineCounters: []counterDesc{
			newCounterDesc("connections_total", "Connections accepted.",
				func(s engine.CountersSnapshot) float64 { return float64(s.Connections) }),
			newCounterDesc("requests_total", "Request lines received.",
				func(s engine.CountersSnapshot) float64 { return float64(s.Requests) }),
			newCounterDesc("checks_total", "Successful check requests.",
				func(s engine.CountersSnapshot) float64 { return float64(s.Checks) }),
			newCounterDesc("chunks_served_total", "Chunks written to devices.",
				func(s engine.CountersSnapshot) float64 { return float64(s.Downloads) }),
			newCounterDesc("verifies_total", "Successful verifications.",
				func(s engine.CountersSnapshot) float64 { return float64(s.Verifies) }),
			newCounterDesc("verify_failures_total", "Digest mismatches at verify.",
				func(s engine.CountersSnapshot) float64 { return float64(s.VerifyFailures) }),
			newCounterDesc("resumes_total", "Successful resumes.",
				func(s engine.CountersSnapshot) float64 { return float64(s.Resumes) }),
			newCounterDesc("errors_total", "Error responses sent.",
				func(s engine.CountersSnapshot) float64 { return float64(s.Errors) }),
			newCounterDesc("retries_total", "Downloads of an already served range.",
				func(s engine.CountersSnapshot) float64 { return float64(s.Retries) }),
			newCounterDesc("chunk_shrinks_total", "Adaptive chunk size reductions.",
				func(s engine.CountersSnapshot) float64 { return float64(s.ChunkShrinks) }),
			newCounterDesc("chunk_grows_total", "Adaptive chunk size increases.",
				func(s engine.CountersSnapshot) float64 { return float64(s.ChunkGrows) }),
			newCounterDesc("bytes_served_total", "Payload bytes written.",
				func(s engine.CountersSnapshot) float64 { return float64(s.BytesServed) }),
			newCounterDesc("bytes_saved_total", "Payload bytes saved by compression.",
				func(s engine.CountersSnapshot) float64 { return float64(s.BytesSaved) }),
		},
		activeConns: prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", "active_connections"),
			"Connections currently open.", nil, nil),
		sessions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "sessions"),
			"Transfer sessions by state.", []string{"state"}, nil),
		artifacts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "firmware_artifacts"),
			"Firmware binaries in the catalog.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.engineCounters {
		ch <- d.desc
	}
	ch <- c.activeConns
	ch <- c.sessions
	ch <- c.artifacts
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.counters != nil {
		snap := c.counters.Snapshot()
		for _, d := range c.engineCounters {
			ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, d.value(snap))
		}
		ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(snap.ActiveConnections))
	}
	if c.registry != nil {
		byState := map[session.State]int{
			session.StateActive:      0,
			session.StateInterrupted: 0,
			session.StateCompleted:   0,
		}
		for _, s := range c.registry.List() {
			byState[s.State]++
		}
		for state, n := range byState {
			ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(n), state.String())
		}
	}
	ch <- prometheus.MustNewConstMetric(c.artifacts, prometheus.GaugeValue, float64(len(c.catalog.List())))
}
