package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// diskCollector reports usage of the filesystem holding the data directory.
// It reads the numbers at scrape time.
type diskCollector struct {
	dataDir string
	logger  *logrus.Logger

	usedBytes   *prometheus.Desc
	totalBytes  *prometheus.Desc
	usedPercent *prometheus.Desc
}

func newDiskCollector(dataDir string, logger *logrus.Logger) *diskCollector {
	return &diskCollector{
		dataDir: dataDir,
		logger:  logger,
		usedBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "data_dir", "used_bytes"),
			"Bytes used on the filesystem holding the data directory", nil, nil),
		totalBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "data_dir", "total_bytes"),
			"Size of the filesystem holding the data directory", nil, nil),
		usedPercent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "data_dir", "used_percent"),
			"Percentage used of the filesystem holding the data directory", nil, nil),
	}
}

func (c *diskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usedBytes
	ch <- c.totalBytes
	ch <- c.usedPercent
}

func (c *diskCollector) Collect(ch chan<- prometheus.Metric) {
	usage, err := disk.Usage(c.dataDir)
	if err != nil {
		c.logger.WithError(err).WithField("data_dir", c.dataDir).Debug("Failed to read disk usage")
		return
	}
	ch <- prometheus.MustNewConstMetric(c.usedBytes, prometheus.GaugeValue, float64(usage.Used))
	ch <- prometheus.MustNewConstMetric(c.totalBytes, prometheus.GaugeValue, float64(usage.Total))
	ch <- prometheus.MustNewConstMetric(c.usedPercent, prometheus.GaugeValue, usage.UsedPercent)
}
