package peering

import (
	"encoding/json"
	"fmt"

	"notary-mpc/requests"
	"notary-mpc/storage"
)

// ParsePlugin decodes and validates a proof plugin. A plugin is the JSON
// request spec the prover will run.
func ParsePlugin(raw json.RawMessage) (requests.Spec, error) {
	var spec requests.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return requests.Spec{}, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}
	if err := requests.ValidateSpec(spec); err != nil {
		return requests.Spec{}, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}
	return spec, nil
}

func checkPlugin(hash string, raw json.RawMessage) error {
	if !storage.VerifyPluginHash(hash, raw) {
		return ErrPluginMismatch
	}
	_, err := ParsePlugin(raw)
	return err
}
