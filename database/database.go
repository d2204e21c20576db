package database

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type Database interface {
	Close() error
	Stats(ctx context.Context) (*DatabaseStats, error)

	ListNetworks(ctx context.Context, user string) ([]Network, error)
	StoreNetwork(ctx context.Context, network *Network) error
	DeleteNetwork(ctx context.Context, id int64) error
	ListChannels(ctx context.Context, networkID int64) ([]Channel, error)
	StoreChannel(ctx context.Context, networkID int64, ch *Channel) error
	DeleteChannel(ctx context.Context, id int64) error
}

type MetricsCollectorDatabase interface {
	Database
	RegisterMetrics(r prometheus.Registerer) error
}

func Open(driver, source string) (Database, error) {
	switch driver {
	case "sqlite3":
		return OpenSqliteDB(source)
	case "postgres":
		return OpenPostgresDB(source)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

type DatabaseStats struct {
	Networks int64
	Channels int64
}

// Network identifies a configured network of a user. Connection settings
// live in the configuration file, only the joined channels are persisted.
type Network struct {
	ID   int64
	User string
	Name string
}

type Channel struct {
	ID   int64
	Name string
	Key  string
}

var (
	networksTotalDesc = prometheus.NewDesc("luteus_stored_networks_total", "Number of networks with persisted state", nil, nil)
	channelsTotalDesc = prometheus.NewDesc("luteus_stored_channels_total", "Number of persisted channels", nil, nil)
)

type statsCollector struct {
	db Database
}

var _ prometheus.Collector = (*statsCollector)(nil)

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- networksTotalDesc
	ch <- channelsTotalDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.db.Stats(context.TODO())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(networksTotalDesc, err)
		ch <- prometheus.NewInvalidMetric(channelsTotalDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(networksTotalDesc, prometheus.GaugeValue, float64(stats.Networks))
	ch <- prometheus.MustNewConstMetric(channelsTotalDesc, prometheus.GaugeValue, float64(stats.Channels))
}
