package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrBadAttestation is returned when an attestation signature does not verify
var ErrBadAttestation = errors.New("attestation signature invalid")

// Claim is what a verifier vouches for after a peer proof: the revealed
// transcript of a plugin run against ServerName.
type Claim struct {
	PluginHash string    `json:"pluginHash"`
	ServerName string    `json:"serverName"`
	Sent       []byte    `json:"sent"`
	Recv       []byte    `json:"recv"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Attestation is a Claim signed by the verifier's key.
// Verifier is the signer's Ethereum address, hex encoded.
type Attestation struct {
	Claim     Claim  `json:"claim"`
	Verifier  string `json:"verifier"`
	Signature []byte `json:"signature"`
}

// SignClaim signs the JSON encoding of claim. VerifiedAt is stored in UTC so
// the encoding survives a round trip.
func SignClaim(kp *SigningKeyPair, claim Claim) (*Attestation, error) {
	claim.VerifiedAt = claim.VerifiedAt.UTC().Round(0)
	data, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}
	sig, err := kp.SignData(data)
	if err != nil {
		return nil, err
	}
	return &Attestation{Claim: claim, Verifier: kp.Address().Hex(), Signature: sig}, nil
}

// Verify checks the signature against the Verifier address.
func (a *Attestation) Verify() error {
	if !common.IsHexAddress(a.Verifier) {
		return fmt.Errorf("%w: bad verifier address %q", ErrBadAttestation, a.Verifier)
	}
	data, err := json.Marshal(a.Claim)
	if err != nil {
		return err
	}
	if err := VerifyEthSignature(data, a.Signature, common.HexToAddress(a.Verifier)); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAttestation, err)
	}
	return nil
}
