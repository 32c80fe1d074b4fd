// Package signer owns the EVM signing key used to dispatch liquidation
// transactions. It is adapted from the teacher's keystore-backed signer
// (crypto/keys.go, crypto/keystore.go) retargeted from NHB's bech32
// addressing to standard EVM hex addresses, since this pool speaks plain
// go-ethereum transactions rather than a bech32-addressed chain.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"liquidator/internal/chain"
)

// Signer produces signed transactions for the configured dispatch address.
// spec.md §6 requires a signer be present iff execution is enabled and
// dry-run is off; absence anywhere else is legal (e.g. a dry-run
// deployment never constructs one).
type Signer interface {
	Address() common.Address
	SignTransaction(chainID *big.Int, plan chain.CallPlan, fee chain.FeeData, nonce uint64) (*types.Transaction, error)
}

// PrivateKeySigner signs with an in-memory ECDSA key, loaded either from a
// raw hex string (operator-supplied signer_key) or from a go-ethereum
// keystore file, mirroring the teacher's two key-loading paths.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner parses a hex-encoded ECDSA private key (the
// signer_key config option, spec.md §6). The "0x" prefix is optional.
func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	key, err := gethcrypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	return &PrivateKeySigner{
		key:     key,
		address: gethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// NewKeystoreSigner decrypts a go-ethereum keystore JSON file at path with
// passphrase, the alternative to a raw hex key for operators who prefer an
// encrypted-at-rest key (mirrors the teacher's keystore.go loader).
func NewKeystoreSigner(path, passphrase string) (*PrivateKeySigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("signer: decrypt keystore: %w", err)
	}
	return &PrivateKeySigner{
		key:     key.PrivateKey,
		address: gethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey),
	}, nil
}

func (s *PrivateKeySigner) Address() common.Address { return s.address }

// SignTransaction builds and signs a London-style dynamic-fee transaction
// from a CallPlan, using the exact payload prepare simulated
// (spec.md §4.6 step 3: "the exact payload that will later be broadcast").
func (s *PrivateKeySigner) SignTransaction(chainID *big.Int, plan chain.CallPlan, fee chain.FeeData, nonce uint64) (*types.Transaction, error) {
	value := plan.Value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fee.GasTipCap,
		GasFeeCap: fee.GasFeeCap,
		Gas:       plan.GasLimit,
		To:        &plan.To,
		Value:     value,
		Data:      plan.Data,
	})
	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign transaction: %w", err)
	}
	return signed, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
