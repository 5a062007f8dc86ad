// Package metrics exposes the bridge's coordinator caches as prometheus
// metrics. Collection reads the caches only, it never triggers remote calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chargebridge/chargebridge/pkg/bridge"
	"github.com/chargebridge/chargebridge/pkg/types"
)

// Collector implements prometheus.Collector over a bridge.
type Collector struct {
	bridge *bridge.Bridge

	charging         *prometheus.Desc
	power            *prometheus.Desc
	meterValue       *prometheus.Desc
	transactionMeter *prometheus.Desc
	pollSuccess      *prometheus.Desc
	pollAge          *prometheus.Desc
	ecoModeActive    *prometheus.Desc
	ecoModeSaving    *prometheus.Desc
	connectorInfo    *prometheus.Desc
}

// NewCollector returns a collector over the bridge's coordinators.
func NewCollector(b *bridge.Bridge) *Collector {
	return &Collector{
		bridge: b,
		charging: prometheus.NewDesc(
			"chargebridge_connector_charging",
			"Connector is currently charging (1=yes, 0=no)",
			[]string{"connector_id", "charging_state"},
			nil,
		),
		power: prometheus.NewDesc(
			"chargebridge_connector_power_kw",
			"Current charging power in kilowatts",
			[]string{"connector_id"},
			nil,
		),
		meterValue: prometheus.NewDesc(
			"chargebridge_connector_meter_kwh",
			"Connector lifetime meter value in kilowatt-hours",
			[]string{"connector_id"},
			nil,
		),
		transactionMeter: prometheus.NewDesc(
			"chargebridge_connector_transaction_meter_kwh",
			"Energy delivered in the current transaction in kilowatt-hours",
			[]string{"connector_id"},
			nil,
		),
		pollSuccess: prometheus.NewDesc(
			"chargebridge_poll_success",
			"Whether the coordinator's cache holds data (1=yes, 0=no)",
			[]string{"coordinator", "id"},
			nil,
		),
		pollAge: prometheus.NewDesc(
			"chargebridge_poll_age_seconds",
			"Seconds since the coordinator's last successful poll",
			[]string{"coordinator", "id"},
			nil,
		),
		ecoModeActive: prometheus.NewDesc(
			"chargebridge_ecomode_active",
			"Eco mode is active on the connector (1=yes, 0=no)",
			[]string{"connector_id"},
			nil,
		),
		ecoModeSaving: prometheus.NewDesc(
			"chargebridge_ecomode_pending_edit",
			"An eco mode edit is pending confirmation (1=yes, 0=no)",
			[]string{"connector_id"},
			nil,
		),
		connectorInfo: prometheus.NewDesc(
			"chargebridge_connector_info",
			"Connector identity",
			[]string{"connector_id", "chargepoint_id", "vendor", "model", "firmware_version"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.charging
	ch <- c.power
	ch <- c.meterValue
	ch <- c.transactionMeter
	ch <- c.pollSuccess
	ch <- c.pollAge
	ch <- c.ecoModeActive
	ch <- c.ecoModeSaving
	ch <- c.connectorInfo
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for id, cpc := range c.bridge.Chargepoints() {
		c.collectFreshness(ch, "chargepoint", id, !cpc.LastSuccess().IsZero(), cpc)
	}

	for id, conn := range c.bridge.Connectors() {
		ch <- prometheus.MustNewConstMetric(c.connectorInfo, prometheus.GaugeValue, 1,
			id, conn.ChargepointID, conn.Vendor, conn.Model, conn.FirmwareVersion)
	}

	for id, oc := range c.bridge.OperationalAll() {
		od, ok := oc.Data()
		c.collectFreshness(ch, "operational", id, ok, oc)
		if !ok {
			continue
		}

		charging := 0.0
		if od.OCPP.ChargingState == types.ChargingStateCharging {
			charging = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.charging, prometheus.GaugeValue, charging, id, od.OCPP.ChargingState)
		ch <- prometheus.MustNewConstMetric(c.power, prometheus.GaugeValue, od.PowerConsumption, id)
		ch <- prometheus.MustNewConstMetric(c.meterValue, prometheus.GaugeValue, od.MeterValue, id)
		ch <- prometheus.MustNewConstMetric(c.transactionMeter, prometheus.GaugeValue, od.TransactionMeterValue, id)
	}

	for id, ec := range c.bridge.EcoModeAll() {
		// same optimistic view the other read surfaces use: a pending edit
		// shows up here before the server has confirmed it
		config, ok := ec.View()
		c.collectFreshness(ch, "ecomode", id, ok, ec)
		if !ok {
			continue
		}

		active := 0.0
		if config.Active {
			active = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.ecoModeActive, prometheus.GaugeValue, active, id)

		pending := 0.0
		if ec.HasPendingEdit() {
			pending = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.ecoModeSaving, prometheus.GaugeValue, pending, id)
	}
}

type lastSuccessor interface {
	LastSuccess() time.Time
}

func (c *Collector) collectFreshness(ch chan<- prometheus.Metric, kind, id string, ok bool, co lastSuccessor) {
	success := 0.0
	if ok {
		success = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.pollSuccess, prometheus.GaugeValue, success, kind, id)

	if last := co.LastSuccess(); !last.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.pollAge, prometheus.GaugeValue, time.Since(last).Seconds(), kind, id)
	}
}
