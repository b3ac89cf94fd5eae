package shared

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SigningKeyPair is a secp256k1 key used for Ethereum-style signatures
type SigningKeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateSigningKeyPair generates a new secp256k1 key pair
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key pair: %v", err)
	}
	return &SigningKeyPair{PrivateKey: privateKey, PublicKey: &privateKey.PublicKey}, nil
}

// SigningKeyPairFromHex loads a key pair from a hex encoded private key
func SigningKeyPairFromHex(s string) (*SigningKeyPair, error) {
	privateKey, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %v", err)
	}
	return &SigningKeyPair{PrivateKey: privateKey, PublicKey: &privateKey.PublicKey}, nil
}

// Hex returns the hex encoded private key
func (kp *SigningKeyPair) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(kp.PrivateKey))
}

// SignData signs data with the Ethereum personal-message prefix. The
// signature is 65 bytes with the recovery id last.
func (kp *SigningKeyPair) SignData(data []byte) ([]byte, error) {
	signature, err := crypto.Sign(accounts.TextHash(data), kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign data with ETH style: %v", err)
	}
	return signature, nil
}

// Address returns the Ethereum address of the key pair
func (kp *SigningKeyPair) Address() common.Address {
	return crypto.PubkeyToAddress(*kp.PublicKey)
}

// VerifyEthSignature checks that signature over data was made by expectedAddress
func VerifyEthSignature(data []byte, signature []byte, expectedAddress common.Address) error {
	if len(signature) != crypto.SignatureLength {
		return fmt.Errorf("invalid ETH signature length: expected %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	recoveredPubKey, err := crypto.SigToPub(accounts.TextHash(data), signature)
	if err != nil {
		return fmt.Errorf("failed to recover public key from signature: %v", err)
	}

	recoveredAddress := crypto.PubkeyToAddress(*recoveredPubKey)
	if recoveredAddress != expectedAddress {
		return fmt.Errorf("signature verification failed: expected address %s, got %s",
			expectedAddress.Hex(), recoveredAddress.Hex())
	}
	return nil
}
