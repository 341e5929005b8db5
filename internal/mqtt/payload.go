package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"seelevel/internal/sensor"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Entity identifies the published sensor.
type Entity struct {
	Name        string
	ServiceUUID string
	Version     string
}

// ObjectID is "seelevel_" followed by the service UUID with every character that is
// not a letter or digit replaced by "_".
func ObjectID(serviceUUID string) string {
	var b strings.Builder
	b.WriteString("seelevel_")
	for _, r := range strings.ToLower(strings.TrimSpace(serviceUUID)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

type topics struct {
	state        string
	availability string
	discovery    string
}

func topicsFor(topicPrefix, discoveryPrefix, serviceUUID string) topics {
	id := ObjectID(serviceUUID)
	base := strings.TrimRight(topicPrefix, "/") + "/" + id
	return topics{
		state:        base + "/state",
		availability: base + "/availability",
		discovery:    fmt.Sprintf("%s/sensor/%s/config", strings.TrimRight(discoveryPrefix, "/"), id),
	}
}

type StatePayload struct {
	Volume          uint32    `json:"volume"`
	SensorType      string    `json:"sensor_type"`
	SensorDataASCII string    `json:"sensor_data_ascii"`
	SensorTotal     uint32    `json:"sensor_total"`
	Unit            string    `json:"unit"`
	Address         string    `json:"address,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BuildStatePayload renders the state message. It fails for a snapshot without a reading.
func BuildStatePayload(snap sensor.Snapshot) ([]byte, error) {
	st := snap.State
	if !st.Known() || st.Attributes == nil {
		return nil, fmt.Errorf("state payload: no reading for %s", snap.ServiceUUID)
	}
	unit := snap.Unit
	if unit == "" {
		unit = sensor.Unit
	}
	return json.Marshal(StatePayload{
		Volume:          *st.Volume,
		SensorType:      st.Attributes.SensorType,
		SensorDataASCII: st.Attributes.SensorDataASCII,
		SensorTotal:     st.Attributes.SensorTotal,
		Unit:            unit,
		Address:         st.Address,
		UpdatedAt:       snap.At.UTC(),
	})
}

// DiscoveryConfig is the Home Assistant MQTT discovery document for the sensor.
type DiscoveryConfig struct {
	Name                   string          `json:"name"`
	UniqueID               string          `json:"unique_id"`
	ObjectID               string          `json:"object_id"`
	StateTopic             string          `json:"state_topic"`
	ValueTemplate          string          `json:"value_template"`
	UnitOfMeasurement      string          `json:"unit_of_measurement"`
	DeviceClass            string          `json:"device_class"`
	StateClass             string          `json:"state_class"`
	JSONAttributesTopic    string          `json:"json_attributes_topic"`
	JSONAttributesTemplate string          `json:"json_attributes_template"`
	AvailabilityTopic      string          `json:"availability_topic"`
	Icon                   string          `json:"icon,omitempty"`
	Device                 DiscoveryDevice `json:"device"`
}

type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

const attributesTemplate = `{{ {"sensor_type": value_json.sensor_type, "sensor_data_ascii": value_json.sensor_data_ascii, "sensor_total": value_json.sensor_total} | tojson }}`

func BuildDiscoveryConfig(ent Entity, t topics) DiscoveryConfig {
	id := ObjectID(ent.ServiceUUID)
	name := ent.Name
	if name == "" {
		name = "SeeLevel BLE Service UUID " + ent.ServiceUUID
	}
	return DiscoveryConfig{
		Name:                   name,
		UniqueID:               id,
		ObjectID:               id,
		StateTopic:             t.state,
		ValueTemplate:          "{{ value_json.volume }}",
		UnitOfMeasurement:      sensor.Unit,
		DeviceClass:            "volume_storage",
		StateClass:             "measurement",
		JSONAttributesTopic:    t.state,
		JSONAttributesTemplate: attributesTemplate,
		AvailabilityTopic:      t.availability,
		Icon:                   "mdi:storage-tank",
		Device: DiscoveryDevice{
			Identifiers:  []string{id},
			Name:         name,
			Manufacturer: "Garnet Instruments",
			Model:        "SeeLevel BLE",
			SWVersion:    ent.Version,
		},
	}
}
