package core_test

import (
	. "sawtooth-validator/core"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// testSigner bundles a private key with its derived public key so table
// tests don't re-derive it on every transaction.
type testSigner struct {
	key *secp256k1.PrivateKey
	pub PublicKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	priv := newTestKey(t)
	return &testSigner{key: priv, pub: PublicKeyBytes(priv)}
}

// newTestBatch signs and wraps txns into a single batch under signer.
func newTestBatch(t *testing.T, signer *testSigner, txns ...*Transaction) *Batch {
	t.Helper()
	ids := make([]string, len(txns))
	for i, txn := range txns {
		ids[i] = txn.ID()
	}
	batch := &Batch{
		Header: BatchHeader{
			SignerPublicKey: signer.pub,
			TransactionIDs:  ids,
		},
		Transactions: txns,
	}
	if err := SignBatch(signer.key, batch); err != nil {
		t.Fatalf("sign batch: %v", err)
	}
	return batch
}
