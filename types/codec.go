package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR (RFC 8949 core deterministic encoding) is used wherever
// bytes are hashed or journaled, so the same value always encodes the same way.
var (
	canonicalEnc cbor.EncMode
	strictDec    cbor.DecMode
)

func init() {
	var err error
	canonicalEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: invalid canonical encoding options: %v", err))
	}
	strictDec, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: invalid decoding options: %v", err))
	}
}

// MarshalCanonical encodes v with deterministic CBOR.
func MarshalCanonical(v any) ([]byte, error) {
	return canonicalEnc.Marshal(v)
}

// UnmarshalCanonical decodes CBOR produced by MarshalCanonical.
// Duplicate map keys are rejected.
func UnmarshalCanonical(data []byte, v any) error {
	return strictDec.Unmarshal(data, v)
}
