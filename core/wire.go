package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// rlpTransactionHeader mirrors TransactionHeader in a form RLP can encode
// directly: byte slices and strings only, in a fixed field order. Field order
// is part of the wire contract — changing it changes every existing
// signature's pre-image.
type rlpTransactionHeader struct {
	FamilyName       string
	FamilyVersion    string
	SignerPublicKey  []byte
	BatcherPublicKey []byte
	Inputs           []string
	Outputs          []string
	Dependencies     []string
	PayloadSHA512    []byte
	Nonce            string
}

// EncodeTransactionHeader produces the deterministic byte pre-image signed
// and verified by SignHeader/VerifyHeaderSignature. The same header always
// encodes to the same bytes; there is no intermediate round trip through a
// Transaction value.
func EncodeTransactionHeader(h TransactionHeader) ([]byte, error) {
	r := rlpTransactionHeader{
		FamilyName:       h.FamilyName,
		FamilyVersion:    h.FamilyVersion,
		SignerPublicKey:  []byte(h.SignerPublicKey),
		BatcherPublicKey: []byte(h.BatcherPublicKey),
		Inputs:           h.Inputs,
		Outputs:          h.Outputs,
		Dependencies:     h.Dependencies,
		PayloadSHA512:    h.PayloadSHA512[:],
		Nonce:            h.Nonce,
	}
	b, err := rlp.EncodeToBytes(&r)
	if err != nil {
		return nil, fmt.Errorf("core: encode transaction header: %w", err)
	}
	return b, nil
}

type rlpBatchHeader struct {
	SignerPublicKey []byte
	TransactionIDs  []string
}

// EncodeBatchHeader produces the deterministic byte pre-image for a
// BatchHeader.
func EncodeBatchHeader(h BatchHeader) ([]byte, error) {
	r := rlpBatchHeader{
		SignerPublicKey: []byte(h.SignerPublicKey),
		TransactionIDs:  h.TransactionIDs,
	}
	b, err := rlp.EncodeToBytes(&r)
	if err != nil {
		return nil, fmt.Errorf("core: encode batch header: %w", err)
	}
	return b, nil
}

type rlpBlockHeader struct {
	PreviousBlockID string
	BlockNumber     uint64
	StateRootHash   []byte
	BatchIDs        []string
	SignerPublicKey []byte
	ConsensusBytes  []byte
}

// EncodeBlockHeader produces the deterministic byte pre-image for a
// BlockHeader.
func EncodeBlockHeader(h BlockHeader) ([]byte, error) {
	r := rlpBlockHeader{
		PreviousBlockID: h.PreviousBlockID,
		BlockNumber:     h.BlockNumber,
		StateRootHash:   h.StateRootHash[:],
		BatchIDs:        h.BatchIDs,
		SignerPublicKey: []byte(h.SignerPublicKey),
		ConsensusBytes:  h.ConsensusBytes,
	}
	b, err := rlp.EncodeToBytes(&r)
	if err != nil {
		return nil, fmt.Errorf("core: encode block header: %w", err)
	}
	return b, nil
}
