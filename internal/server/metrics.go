package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pidestat/internal/engine"
	"pidestat/internal/repo"
	"pidestat/internal/status"
)

const (
	metricsNamespace = "pidestat"
	collectTimeout   = 5 * time.Second
)

type metrics struct {
	requests *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, e engine.Engine, logger *log.Logger) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
	if err := reg.Register(m.requests); err != nil {
		return nil, err
	}
	if e.Config != nil && e.Config.Session.ID != "" && e.DB != nil {
		if err := reg.Register(newNodeCollector(e, e.Config.Session.ID, logger)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(method string, code int) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func registerMetrics(r chi.Router, reg *prometheus.Registry) {
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

// nodeCollector reports the status of every node of the latest version of a
// session at scrape time.
type nodeCollector struct {
	engine  engine.Engine
	session string
	logger  *log.Logger

	commands     *prometheus.Desc
	percentage   *prometheus.Desc
	consolidated *prometheus.Desc
	versionSeq   *prometheus.Desc
}

func newNodeCollector(e engine.Engine, sessionID string, logger *log.Logger) *nodeCollector {
	constLabels := prometheus.Labels{"session": sessionID}
	return &nodeCollector{
		engine:  e,
		session: sessionID,
		logger:  logger,
		commands: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "commands"),
			"Commands of a node per status bucket.",
			[]string{"node", "bucket"}, constLabels),
		percentage: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "percentage"),
			"Checking progress of a node.",
			[]string{"node"}, constLabels),
		consolidated: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "consolidated"),
			"1 once the node is consolidated.",
			[]string{"node"}, constLabels),
		versionSeq: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "version", "seq"),
			"Sequence number of the reported version.",
			nil, constLabels),
	}
}

func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commands
	ch <- c.percentage
	ch <- c.consolidated
	ch <- c.versionSeq
}

func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	v, err := c.engine.Repo.LatestVersion(ctx, c.session)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			c.logger.Error("metrics: latest version", "session", c.session, "err", err)
		}
		return
	}
	nodes, err := c.engine.NodesStatus(ctx, v.ID)
	if err != nil {
		c.logger.Error("metrics: node status", "version", v.ID, "err", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.versionSeq, prometheus.GaugeValue, float64(v.Seq))
	for _, name := range nodes.Names() {
		ns := nodes[name]
		for _, b := range status.Buckets {
			ch <- prometheus.MustNewConstMetric(c.commands, prometheus.GaugeValue, float64(ns.Count(b)), name, b.String())
		}
		ch <- prometheus.MustNewConstMetric(c.percentage, prometheus.GaugeValue, float64(ns.Percentage()), name)
		consolidated := 0.0
		if ns.Consolidated {
			consolidated = 1
		}
		ch <- prometheus.MustNewConstMetric(c.consolidated, prometheus.GaugeValue, consolidated, name)
	}
}
