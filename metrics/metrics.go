// Package metrics exports DNS cache counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Snawoot/hostrelay/dnscache"
)

const namespace = "hostrelay"

// StatsSource is implemented by *dnscache.CachedDNS.
type StatsSource interface {
	Stats() dnscache.Stats
}

// CacheCollector reads cache statistics on every scrape.
type CacheCollector struct {
	src StatsSource

	matched  *prometheus.Desc
	missed   *prometheus.Desc
	entries  *prometheus.Desc
	capacity *prometheus.Desc
}

// type check
var _ prometheus.Collector = (*CacheCollector)(nil)

func NewCacheCollector(src StatsSource) *CacheCollector {
	return &CacheCollector{
		src: src,
		matched: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dns_cache", "matched_total"),
			"Lookups answered from the DNS cache.",
			nil, nil,
		),
		missed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dns_cache", "missed_total"),
			"Lookups not found in the DNS cache.",
			nil, nil,
		),
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dns_cache", "entries"),
			"Hostnames currently cached.",
			nil, nil,
		),
		capacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dns_cache", "capacity"),
			"Maximum number of cached hostnames.",
			nil, nil,
		),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.matched
	ch <- c.missed
	ch <- c.entries
	ch <- c.capacity
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.matched, prometheus.CounterValue, float64(st.Matched))
	ch <- prometheus.MustNewConstMetric(c.missed, prometheus.CounterValue, float64(st.Missed))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Len))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity))
}

// Handler serves metrics gathered by reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
