package tank

// Attributes are the descriptive fields published next to the volume.
type Attributes struct {
	SensorType      string `json:"sensor_type"`
	SensorDataASCII string `json:"sensor_data_ascii"`
	SensorTotal     uint32 `json:"sensor_total"`
}

// State is the last known reading. The zero value means nothing was decoded yet.
// A State handed out by Reconcile is never mutated afterwards.
type State struct {
	Volume     *uint32
	Attributes *Attributes
	Address    string
}

// StateFromReading builds a fresh State for r seen on address.
func StateFromReading(r Reading, address string) State {
	vol := r.Volume
	return State{
		Volume: &vol,
		Attributes: &Attributes{
			SensorType:      r.Type.String(),
			SensorDataASCII: r.Text,
			SensorTotal:     r.Total,
		},
		Address: address,
	}
}

// Known reports whether a reading has been committed.
func (s State) Known() bool {
	return s.Volume != nil
}

// AttributeMap returns the attributes keyed the way the host platform exposes them.
// It is empty until the first reading.
func (s State) AttributeMap() map[string]any {
	if s.Attributes == nil {
		return map[string]any{}
	}
	return map[string]any{
		"sensor_type":       s.Attributes.SensorType,
		"sensor_data_ascii": s.Attributes.SensorDataASCII,
		"sensor_total":      s.Attributes.SensorTotal,
	}
}

// Equal compares by value.
func (s State) Equal(o State) bool {
	if s.Address != o.Address {
		return false
	}
	if (s.Volume == nil) != (o.Volume == nil) {
		return false
	}
	if s.Volume != nil && *s.Volume != *o.Volume {
		return false
	}
	if (s.Attributes == nil) != (o.Attributes == nil) {
		return false
	}
	return s.Attributes == nil || *s.Attributes == *o.Attributes
}
