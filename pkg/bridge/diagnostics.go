package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
)

// redactedKeys are stripped from diagnostics output wherever they appear.
var redactedKeys = map[string]bool{
	"location":            true,
	"locationDescription": true,
	"zipcode":             true,
	"postalArea":          true,
	"latitude":            true,
	"longitude":           true,
	"serialNumber":        true,
	"displayName":         true,
	"nickname":            true,
	"SSID":                true,
}

const redactedPlaceholder = "**REDACTED**"

// Diagnostics collects coordinator state and live API responses with
// identifiers anonymized and sensitive fields redacted, safe to attach to a
// support request.
func (b *Bridge) Diagnostics(ctx context.Context) map[string]interface{} {
	anon := NewIDAnonymizer()
	data := make(map[string]interface{})

	chargepoints := make(map[string]interface{})
	for id, cpc := range b.Chargepoints() {
		chargepoints[anon.Anonymize(id, "anonymized_id")] = map[string]interface{}{
			"lastSuccess": cpc.LastSuccess(),
			"interval":    cpc.Interval().String(),
		}
	}
	data["chargepoints"] = chargepoints

	connectors := make(map[string]interface{})
	for id, conn := range b.Connectors() {
		d := map[string]interface{}{
			"chargepointID": anon.Anonymize(conn.ChargepointID, "anonymized_id"),
			"alias":         anon.Anonymize(conn.Alias, "anonymized_alias"),
			"capabilities":  conn.Capabilities,
		}
		if oc := b.Operational(id); oc != nil {
			d["operationalLastSuccess"] = oc.LastSuccess()
			d["operationalInterval"] = oc.Interval().String()
			d["isCharging"] = oc.IsCharging()
		}
		if ec := b.EcoMode(id); ec != nil {
			d["ecoModeLastSuccess"] = ec.LastSuccess()
		}
		connectors[anon.Anonymize(id, "anonymized_id")] = d
	}
	data["connectors"] = connectors

	data["apiResponses"] = b.apiResponses(ctx, anon)

	return sanitize(data, anon).(map[string]interface{})
}

// apiResponses fetches every read endpoint once, recording the result or the
// error string plus how long the call took.
func (b *Bridge) apiResponses(ctx context.Context, anon *IDAnonymizer) map[string]interface{} {
	data := make(map[string]interface{})

	chargepoints := make(map[string]interface{})
	for id := range b.Chargepoints() {
		d := make(map[string]interface{})
		callAPI(d, "getChargepoint", func() (interface{}, error) {
			return b.api.GetChargepoint(ctx, id)
		})
		chargepoints[anon.Anonymize(id, "anonymized_id")] = d
	}
	data["chargepoints"] = chargepoints

	connectors := make(map[string]interface{})
	for id := range b.Connectors() {
		d := make(map[string]interface{})
		callAPI(d, "getOperationalData", func() (interface{}, error) {
			return b.api.GetOperationalData(ctx, id)
		})
		callAPI(d, "getEcoModeConfiguration", func() (interface{}, error) {
			return b.api.GetEcoModeConfiguration(ctx, id)
		})
		callAPI(d, "getMaxCurrentAlternatives", func() (interface{}, error) {
			return b.api.GetMaxCurrentAlternatives(ctx, id)
		})
		if full, ok := b.api.(*cloudcharge.Client); ok {
			callAPI(d, "getLoadBalancer", func() (interface{}, error) {
				return full.GetLoadBalancer(ctx, id)
			})
			callAPI(d, "getNetworkConfiguration", func() (interface{}, error) {
				return full.GetNetworkConfiguration(ctx, id)
			})
		}
		connectors[anon.Anonymize(id, "anonymized_id")] = d
	}
	data["connectors"] = connectors

	return data
}

func callAPI(data map[string]interface{}, name string, call func() (interface{}, error)) {
	start := time.Now()
	res, err := call()
	if err != nil {
		data[name] = fmt.Sprintf("error: %v", err)
		return
	}
	data[name] = res
	data[name+"DurationSeconds"] = time.Since(start).Round(time.Millisecond).Seconds()
}

// sanitize walks the structure (through a JSON round-trip so struct fields
// are visited by their wire names), redacting sensitive keys and anonymizing
// identifier keys.
func sanitize(obj interface{}, anon *IDAnonymizer) interface{} {
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return sanitizeValue(generic, anon)
}

func sanitizeValue(obj interface{}, anon *IDAnonymizer) interface{} {
	switch v := obj.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			if redactedKeys[key] {
				out[key] = redactedPlaceholder
				continue
			}
			switch key {
			case "id", "chargeSystemId":
				if s, ok := value.(string); ok {
					out[key] = anon.Anonymize(s, "anonymized_id")
					continue
				}
			case "smsAlias":
				if s, ok := value.(string); ok {
					out[key] = anon.Anonymize(s, "anonymized_alias")
					continue
				}
			case "aliasMap":
				// keyed by alias, so the keys need anonymizing too
				if m, ok := value.(map[string]interface{}); ok {
					remapped := make(map[string]interface{}, len(m))
					for alias, sub := range m {
						remapped[anon.Anonymize(alias, "anonymized_alias")] = sanitizeValue(sub, anon)
					}
					out[key] = remapped
					continue
				}
			}
			out[key] = sanitizeValue(value, anon)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item, anon)
		}
		return out
	default:
		return obj
	}
}
