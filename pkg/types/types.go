// Package types holds the data model shared between the CloudCharge client,
// the coordinators and the surfaces that read from them.
package types

import "time"

// ChargingState values reported in OCPP operational data.
const (
	ChargingStateCharging    = "Charging"
	ChargingStateEVConnected = "EVConnected"
	ChargingStateSuspendedEV = "SuspendedEV"
	ChargingStateIdle        = "Idle"
)

// Credentials identify a CloudCharge account. The token is obtained either
// through the SMS login flow or supplied directly.
type Credentials struct {
	UserID string `json:"userId" yaml:"userId"`
	Token  string `json:"token" yaml:"token"`
}

// Capabilities describes which optional features a connector supports.
type Capabilities struct {
	EcoMode               bool `json:"ecoMode"`
	Solar                 bool `json:"solar"`
	AccessControl         bool `json:"accessControl"`
	LoadBalancing         bool `json:"loadBalancing"`
	BluetoothNetworkSetup bool `json:"bluetoothNetworkSetup"`
}

// Connector is one physical outlet of a chargepoint as returned inside the
// chargepoint's aliasMap. ChargepointID is filled in by the chargepoint
// coordinator since the API omits it on the sub-record.
type Connector struct {
	ID                string       `json:"id"`
	ChargepointID     string       `json:"chargepointId,omitempty"`
	Alias             string       `json:"smsAlias"`
	DisplayName       string       `json:"displayName"`
	Nickname          string       `json:"nickname"`
	Vendor            string       `json:"vendor"`
	Model             string       `json:"model"`
	SerialNumber      string       `json:"serialNumber"`
	FirmwareVersion   string       `json:"firmwareVersion"`
	ConnectorType     string       `json:"connectorType"`
	ConnectorNumber   int          `json:"connector"`
	Status            string       `json:"status"`
	StatusUpdated     int64        `json:"statusUpdated"`
	ErrorCode         string       `json:"errorCode"`
	ErrorInfo         string       `json:"errorInfo"`
	Ampere            int          `json:"ampere"`
	MaxProfileCurrent int          `json:"maxProfileCurrent"`
	MeterValue        float64      `json:"meterValue"`
	Power             float64      `json:"power"`
	HeartbeatTimeout  bool         `json:"hbTimeout"`
	Capabilities      Capabilities `json:"capabilities"`
}

// Chargepoint is the provider's top-level charger record. AliasMap maps a
// connector alias to its sub-record.
type Chargepoint struct {
	ID                  string               `json:"id"`
	DisplayName         string               `json:"displayName"`
	Nickname            string               `json:"nickname"`
	ChargeSystemID      string               `json:"chargeSystemId"`
	Access              string               `json:"access"`
	IsFacility          bool                 `json:"isFacility"`
	CurrencyCode        string               `json:"currencyCode"`
	Location            string               `json:"location"`
	LocationDescription string               `json:"locationDescription"`
	PostalArea          string               `json:"postalArea"`
	Zipcode             string               `json:"zipcode"`
	Latitude            float64              `json:"latitude"`
	Longitude           float64              `json:"longitude"`
	AliasMap            map[string]Connector `json:"aliasMap"`
}

// PrivateChargepoint wraps a chargepoint the account owns outright.
type PrivateChargepoint struct {
	Access    string      `json:"access"`
	Type      string      `json:"type"`
	Data      Chargepoint `json:"data"`
	ValidFrom string      `json:"validFrom"`
	ValidTo   string      `json:"validTo"`
}

// OCPPData is the OCPP sub-document of operational data.
type OCPPData struct {
	ChargingState string `json:"chargingState"`
	Status        string `json:"status"`
	Version       string `json:"version"`
}

// OperationalData is a point-in-time read of a connector's live telemetry.
// It is immutable once fetched and wholly replaced each poll.
type OperationalData struct {
	ID                    string   `json:"id"`
	OCPP                  OCPPData `json:"ocpp"`
	ErrorCode             string   `json:"errorCode"`
	HeartbeatLastAlive    string   `json:"hbLastAlive"`
	HeartbeatTimeout      bool     `json:"hbTimeout"`
	MeterValue            float64  `json:"meterValue"`
	TransactionMeterValue float64  `json:"transactionMeterValue"`
	PowerConsumption      float64  `json:"powerConsumption"`
}

// Weekday keys of the eco mode schedule map, as the provider spells them.
var Weekdays = []string{
	"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY", "SATURDAY", "SUNDAY",
}

// EcoModeConfiguration is a whole-document remote resource: the provider has
// no partial-update API for it, every write must resend the full document.
// DayOfWeekMap maps weekday names to a pickup hour (0-23) or nil when the day
// is disabled.
type EcoModeConfiguration struct {
	Active            bool            `json:"active"`
	PickupTimeEnabled bool            `json:"pickupTimeEnabled"`
	HoursToCharge     int             `json:"hoursToCharge"`
	DayOfWeekMap      map[string]*int `json:"dayOfWeekMap"`
}

// Clone returns a deep copy so an edit overlay never aliases the confirmed
// document.
func (c EcoModeConfiguration) Clone() EcoModeConfiguration {
	out := c
	if c.DayOfWeekMap != nil {
		out.DayOfWeekMap = make(map[string]*int, len(c.DayOfWeekMap))
		for day, hour := range c.DayOfWeekMap {
			if hour != nil {
				h := *hour
				out.DayOfWeekMap[day] = &h
			} else {
				out.DayOfWeekMap[day] = nil
			}
		}
	}
	return out
}

// LoadBalancer is the connector's load balancer pairing state.
type LoadBalancer struct {
	SerialNumber string `json:"serialNumber"`
	Brand        string `json:"brand"`
	Available    bool   `json:"available"`
	Enabled      bool   `json:"enabled"`
	Active       bool   `json:"active"`
}

// NetworkConfiguration reports how the connector reaches the backend.
type NetworkConfiguration struct {
	ConnectionType string `json:"connectionType"`
	Ethernet       struct {
		Active  bool `json:"active"`
		Enabled bool `json:"enabled"`
	} `json:"ethernet"`
	WiFi struct {
		Active         bool   `json:"active"`
		Enabled        bool   `json:"enabled"`
		SSID           string `json:"SSID"`
		SignalStrength string `json:"signalStrength"`
	} `json:"wifi"`
	Mobile struct {
		Active         bool   `json:"active"`
		Enabled        bool   `json:"enabled"`
		SignalStrength string `json:"signalStrength"`
	} `json:"mobile"`
}

// Action records a user-initiated write (start/stop charging, max current,
// reset) for the action history.
type Action struct {
	Timestamp   time.Time `json:"timestamp"`
	ConnectorID string    `json:"connectorID"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail,omitempty"`
	Err         string    `json:"error,omitempty"`
}

// Action kinds recorded by the bridge.
const (
	ActionStartCharging  = "startCharging"
	ActionStopCharging   = "stopCharging"
	ActionSetMaxCurrent  = "setMaxCurrent"
	ActionResetConnector = "resetConnector"
	ActionEcoModeEdit    = "ecoModeEdit"
)

// Settings is the bridge configuration persisted in storage and optionally
// seeded from the YAML config file.
type Settings struct {
	Credentials Credentials `json:"credentials" yaml:"credentials"`

	// ChargepointIDs limits the bridge to specific chargepoints. Empty means
	// discover every chargepoint the account can access.
	ChargepointIDs []string `json:"chargepointIDs" yaml:"chargepointIDs"`

	// InstanceID disambiguates device identities when several bridges watch
	// the same account.
	InstanceID string `json:"instanceID" yaml:"instanceID"`

	// MQTT fan-out; disabled when BrokerURL is empty.
	MQTT MQTTSettings `json:"mqtt" yaml:"mqtt"`
}

// MQTTSettings configures the optional MQTT publisher.
type MQTTSettings struct {
	BrokerURL   string `json:"brokerURL" yaml:"brokerURL"`
	TopicPrefix string `json:"topicPrefix" yaml:"topicPrefix"`
	ClientID    string `json:"clientID" yaml:"clientID"`
}
