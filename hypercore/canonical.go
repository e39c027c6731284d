package hypercore

import "encoding/json"

// canonicalJSON serialises v deterministically: object keys are sorted and
// there is no insignificant whitespace. encoding/json already sorts
// map[string]any keys during Marshal; round-tripping arbitrary input
// through an untyped value guarantees that property recursively for
// nested objects regardless of the concrete Go type supplied by the
// caller.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
