package txservice

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type prometheusCollector struct {
	service *TransactionService

	pendingOutbound *prometheus.Desc
	pendingInbound  *prometheus.Desc
	unconfirmed     *prometheus.Desc
	broadcastTasks  *prometheus.Desc
}

var collectorLoaded = atomic.Bool{}

// RegisterCollector exposes the service's gauges to prometheus. Registering
// twice is a no-op.
func RegisterCollector(s *TransactionService) {
	if !collectorLoaded.CompareAndSwap(false, true) {
		return
	}

	c := &prometheusCollector{
		service: s,
		pendingOutbound: prometheus.NewDesc("walletd_txservice_pending_outbound",
			"Number of outbound transactions awaiting a reply",
			nil, nil,
		),
		pendingInbound: prometheus.NewDesc("walletd_txservice_pending_inbound",
			"Number of inbound transactions awaiting finalization",
			nil, nil,
		),
		unconfirmed: prometheus.NewDesc("walletd_txservice_unconfirmed",
			"Number of completed transactions not yet confirmed on chain",
			nil, nil,
		),
		broadcastTasks: prometheus.NewDesc("walletd_txservice_broadcast_tasks",
			"Number of running per-transaction broadcast tasks",
			nil, nil,
		),
	}

	prometheus.MustRegister(c)
}

func (c *prometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingOutbound
	ch <- c.pendingInbound
	ch <- c.unconfirmed
	ch <- c.broadcastTasks
}

func (c *prometheusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outbound, err := c.service.store.ListOutbound(ctx, false)
	if err == nil {
		ch <- prometheus.MustNewConstMetric(c.pendingOutbound, prometheus.GaugeValue, float64(len(outbound)))
	}

	inbound, err := c.service.store.ListInbound(ctx, false)
	if err == nil {
		ch <- prometheus.MustNewConstMetric(c.pendingInbound, prometheus.GaugeValue, float64(len(inbound)))
	}

	unconfirmed, err := c.service.store.UnconfirmedTransactions(ctx)
	if err == nil {
		ch <- prometheus.MustNewConstMetric(c.unconfirmed, prometheus.GaugeValue, float64(len(unconfirmed)))
	}

	ch <- prometheus.MustNewConstMetric(c.broadcastTasks, prometheus.GaugeValue, float64(c.service.ActiveBroadcastTasks()))
}
