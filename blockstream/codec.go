package blockstream

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode encodes records with Core Deterministic Encoding, so the same record
// always produces the same bytes and therefore the same block checksums.
var encMode cbor.EncMode

// decMode rejects duplicate map keys; unknown fields are ignored so that newer
// record versions remain readable.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("blockstream: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("blockstream: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v the way records are written to a stream
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a single record
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
