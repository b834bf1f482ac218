package xcookie

import "encoding/json"

// Trace captures how each consulted scope contributed to a resolution.
type Trace struct {
	Name   string       `json:"name"`
	Winner string       `json:"winner,omitempty"`
	Layers []Provenance `json:"layers"`
}

// Provenance details one scope's contribution. Value is nil when the scope
// held nothing, which is distinct from an empty string.
type Provenance struct {
	Scope Scope   `json:"scope"`
	Found bool    `json:"found"`
	Value *string `json:"value,omitempty"`
}

// Layer returns the provenance recorded for scope name.
func (t Trace) Layer(name string) (Provenance, bool) {
	for _, p := range t.Layers {
		if p.Scope.Name == name {
			return p, true
		}
	}
	return Provenance{}, false
}

// ToJSON serialises the trace for logging or transport.
func (t Trace) ToJSON() ([]byte, error) {
	type alias Trace
	return json.Marshal(alias(t))
}

// TraceFromJSON parses a payload produced by ToJSON.
func TraceFromJSON(payload []byte) (Trace, error) {
	type alias Trace
	var trace alias
	if err := json.Unmarshal(payload, &trace); err != nil {
		return Trace{}, err
	}
	return Trace(trace), nil
}
