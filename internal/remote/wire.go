package remote

import "encoding/json"

// EncodeRequest renders an outbound request as a datagram payload.
//
// The wire-level encoding of the remote-control protocol is explicitly
// out of scope for this controller (spec.md §1: "assumed to be an
// off-the-shelf messaging format capable of carrying an address string
// and typed arguments"). This is a minimal stand-in — a single JSON
// object carrying the address and its argument list — rather than a
// full implementation of that off-the-shelf format. Sender and
// Broadcast call this function directly; there is no hook for
// substituting another codec.
func EncodeRequest(path string, args ...any) []byte {
	msg := struct {
		Address string `json:"address"`
		Args    []any  `json:"args"`
	}{Address: path, Args: args}

	b, err := json.Marshal(msg)
	if err != nil {
		// args are always JSON-marshalable primitives (string/int/float);
		// a marshal failure here means a caller passed something it
		// shouldn't have.
		return []byte(`{"address":"` + path + `","args":[]}`)
	}
	return b
}
