package chain

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the treasury's signing identity.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner returns nil for a nil key so callers can pass config through unchecked.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	if key == nil {
		return nil
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx with the latest signer rules for chainID.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
