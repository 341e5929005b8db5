package tank

// Skip records a matching device that could not be used in a cycle.
type Skip struct {
	Address string
	Err     error
}

// Outcome describes one reconcile pass. Committed is false when no device
// produced a reading; that is the normal "keep the previous state" result.
type Outcome struct {
	Seen      int
	Matched   int
	Committed bool
	Address   string
	Reading   Reading
	Skipped   []Skip
}

// Reconcile picks the first device, in snapshot order, that advertises target and
// carries a decodable payload under manufacturerID, and returns the state built from
// it. Devices that match but fail lookup or decoding are skipped. When nothing
// decodes, current is returned unchanged.
func Reconcile(devices []DiscoveredDevice, target ServiceIdentifier, manufacturerID uint16, current State) (State, Outcome) {
	out := Outcome{Seen: len(devices)}

	for _, d := range devices {
		if !d.Advertises(target) {
			continue
		}
		out.Matched++

		payload, err := PayloadFor(d, manufacturerID)
		if err != nil {
			out.Skipped = append(out.Skipped, Skip{Address: d.Address, Err: err})
			continue
		}
		r, err := Decode(payload)
		if err != nil {
			out.Skipped = append(out.Skipped, Skip{Address: d.Address, Err: err})
			continue
		}

		out.Committed = true
		out.Address = d.Address
		out.Reading = r
		return StateFromReading(r, d.Address), out
	}

	return current, out
}
