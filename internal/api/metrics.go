package api

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentcore-io/agentcore/internal/agent"
)

// instanceCollector implements prometheus.Collector, computing each gauge
// fresh on every scrape rather than tracking state redundantly — the
// teacher's own handlers (e.g. jobHandler.List) always read the current
// repository state rather than caching it, the same instinct applied here.
type instanceCollector struct {
	inst *agent.Instance

	uptime       *prometheus.Desc
	connections  *prometheus.Desc
	queueDepth   *prometheus.Desc
	fiberRunning *prometheus.Desc
	destroyed    *prometheus.Desc
}

func newInstanceCollector(inst *agent.Instance) *instanceCollector {
	return &instanceCollector{
		inst: inst,
		uptime: prometheus.NewDesc(
			"agentcore_instance_uptime_seconds", "Seconds since the instance's Start call.", nil, nil),
		connections: prometheus.NewDesc(
			"agentcore_instance_connections", "Currently attached WebSocket connections.", nil, nil),
		queueDepth: prometheus.NewDesc(
			"agentcore_instance_queue_depth", "Durable queue items not yet processed.", nil, nil),
		fiberRunning: prometheus.NewDesc(
			"agentcore_instance_fibers_running", "Fibers currently in the running state.", nil, nil),
		destroyed: prometheus.NewDesc(
			"agentcore_instance_destroyed", "1 if the instance has been destroyed.", nil, nil),
	}
}

func (c *instanceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.connections
	ch <- c.queueDepth
	ch <- c.fiberRunning
	ch <- c.destroyed
}

func (c *instanceCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, c.inst.Uptime().Seconds())
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(c.inst.Registry.Count()))

	var destroyedVal float64
	if c.inst.Destroyed() {
		destroyedVal = 1
	}
	ch <- prometheus.MustNewConstMetric(c.destroyed, prometheus.GaugeValue, destroyedVal)

	queueRows, err := c.inst.Queue.ListQueues(context.Background())
	if err == nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(len(queueRows)))
	}

	var runningFibers int64
	if err := c.inst.DB.Table("fibers").Where("status = ?", "running").Count(&runningFibers).Error; err == nil {
		ch <- prometheus.MustNewConstMetric(c.fiberRunning, prometheus.GaugeValue, float64(runningFibers))
	}
}

// registerMetrics builds a fresh Prometheus registry wired to this instance
// alone — each instance is an independent actor, so its metrics are
// collected independently rather than through the global default registry.
func registerMetrics(inst *agent.Instance) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newInstanceCollector(inst))
	return reg
}
