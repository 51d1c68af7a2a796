package core

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignHeader produces a 64-byte compact ECDSA secp256k1 signature over the
// exact header bytes. Callers pass the pre-image produced by
// EncodeTransactionHeader, EncodeBatchHeader or EncodeBlockHeader; the
// header is never re-serialized between signing and verification.
func SignHeader(priv *secp256k1.PrivateKey, headerBytes []byte) Signature {
	digest := sha256.Sum256(headerBytes)
	sig := ecdsa.SignCompact(priv, digest[:], true)
	var out Signature
	copy(out[:], sig[1:]) // SignCompact prefixes a recovery byte; drop it for the wire form
	return out
}

// VerifyHeaderSignature verifies a compact secp256k1 signature over
// headerBytes against the given public key. A single-bit flip in
// headerBytes or sig invalidates the check.
func VerifyHeaderSignature(pub PublicKey, headerBytes []byte, sig Signature) bool {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false
	}
	digest := sha256.Sum256(headerBytes)
	return ecdsa.NewSignature(&r, &s).Verify(digest[:], key)
}

// PayloadDigest returns the SHA-512 digest of a transaction payload, as
// carried in TransactionHeader.PayloadSHA512.
func PayloadDigest(payload []byte) [64]byte {
	return sha512.Sum512(payload)
}

// GeneratePrivateKey returns a fresh secp256k1 signing key, wrapping any
// generation error with the core package prefix.
func GeneratePrivateKey() (*secp256k1.PrivateKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("core: generate key: %w", err)
	}
	return priv, nil
}

// PublicKeyBytes returns the 33-byte compressed public key for priv.
func PublicKeyBytes(priv *secp256k1.PrivateKey) PublicKey {
	return PublicKey(priv.PubKey().SerializeCompressed())
}

// SignTransaction encodes txn.Header and stamps the resulting signature onto
// txn.HeaderSignature.
func SignTransaction(priv *secp256k1.PrivateKey, txn *Transaction) error {
	encoded, err := EncodeTransactionHeader(txn.Header)
	if err != nil {
		return err
	}
	txn.HeaderSignature = SignHeader(priv, encoded)
	return nil
}

// VerifyTransaction reports whether txn's header signature is valid under
// its own SignerPublicKey.
func VerifyTransaction(txn *Transaction) bool {
	encoded, err := EncodeTransactionHeader(txn.Header)
	if err != nil {
		return false
	}
	return VerifyHeaderSignature(txn.Header.SignerPublicKey, encoded, txn.HeaderSignature)
}

// SignBatch encodes batch.Header and stamps the resulting signature onto
// batch.HeaderSignature.
func SignBatch(priv *secp256k1.PrivateKey, batch *Batch) error {
	encoded, err := EncodeBatchHeader(batch.Header)
	if err != nil {
		return err
	}
	batch.HeaderSignature = SignHeader(priv, encoded)
	return nil
}

// VerifyBatch reports whether batch's header signature is valid under its
// own SignerPublicKey. It does not verify the transactions it contains.
func VerifyBatch(batch *Batch) bool {
	encoded, err := EncodeBatchHeader(batch.Header)
	if err != nil {
		return false
	}
	return VerifyHeaderSignature(batch.Header.SignerPublicKey, encoded, batch.HeaderSignature)
}

// SignBlock encodes block.Header and stamps the resulting signature onto
// block.HeaderSignature.
func SignBlock(priv *secp256k1.PrivateKey, block *Block) error {
	encoded, err := EncodeBlockHeader(block.Header)
	if err != nil {
		return err
	}
	block.HeaderSignature = SignHeader(priv, encoded)
	return nil
}

// VerifyBlock reports whether block's header signature is valid under its
// own SignerPublicKey.
func VerifyBlock(block *Block) bool {
	encoded, err := EncodeBlockHeader(block.Header)
	if err != nil {
		return false
	}
	return VerifyHeaderSignature(block.Header.SignerPublicKey, encoded, block.HeaderSignature)
}
