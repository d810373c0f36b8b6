// Package crypto holds the sender key used to sign disperse transactions.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps a secp256k1 key controlling the sender account.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes decodes a raw 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex decodes a hex-encoded secret with or without 0x prefix.
func PrivateKeyFromHex(value string) (*PrivateKey, error) {
	if len(value) >= 2 && value[:2] == "0x" {
		value = value[2:]
	}
	key, err := crypto.HexToECDSA(value)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address derives the account address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

// SignTx signs tx for the given chain using the latest applicable signer.
func (k *PrivateKey) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("crypto: chain id required")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), k.PrivateKey)
}
