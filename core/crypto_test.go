package core_test

import (
	. "sawtooth-validator/core"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func newSignedTransaction(t *testing.T, priv *secp256k1.PrivateKey) *Transaction {
	t.Helper()
	pub := PublicKeyBytes(priv)
	payload := []byte("intkey,set,foo,1")
	digest := PayloadDigest(payload)
	txn := &Transaction{
		Header: TransactionHeader{
			FamilyName:       "intkey",
			FamilyVersion:    "1.0",
			SignerPublicKey:  pub,
			BatcherPublicKey: pub,
			Inputs:           []string{"1cf1266e1a"},
			Outputs:          []string{"1cf1266e1a"},
			PayloadSHA512:    digest,
			Nonce:            "abc123",
		},
		Payload: payload,
	}
	if err := SignTransaction(priv, txn); err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	return txn
}

func newTestKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestSignTransactionRoundTrip(t *testing.T) {
	txn := newSignedTransaction(t, newTestKey(t))
	if !VerifyTransaction(txn) {
		t.Fatalf("expected signature to verify")
	}
	if err := txn.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestVerifyTransactionRejectsTamperedHeader(t *testing.T) {
	txn := newSignedTransaction(t, newTestKey(t))
	txn.Header.Nonce = "tampered"
	if VerifyTransaction(txn) {
		t.Fatalf("expected signature to fail after header mutation")
	}
}

func TestVerifyTransactionRejectsWrongKey(t *testing.T) {
	txn := newSignedTransaction(t, newTestKey(t))
	txn.Header.SignerPublicKey = PublicKeyBytes(newTestKey(t))
	if VerifyTransaction(txn) {
		t.Fatalf("expected signature to fail under substituted key")
	}
}

func TestTransactionValidateRejectsDigestMismatch(t *testing.T) {
	txn := newSignedTransaction(t, newTestKey(t))
	txn.Payload = []byte("tampered payload")
	if err := txn.Validate(); err == nil {
		t.Fatalf("expected digest mismatch to fail validation")
	}
}

func TestEncodeTransactionHeaderDeterministic(t *testing.T) {
	txn := newSignedTransaction(t, newTestKey(t))
	a, err := EncodeTransactionHeader(txn.Header)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodeTransactionHeader(txn.Header)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical headers to encode identically")
	}
}

func TestSignBatchRoundTrip(t *testing.T) {
	priv := newTestKey(t)
	txn := newSignedTransaction(t, priv)

	batch := &Batch{
		Header: BatchHeader{
			SignerPublicKey: PublicKeyBytes(priv),
			TransactionIDs:  []string{txn.ID()},
		},
		Transactions: []*Transaction{txn},
	}
	if err := SignBatch(priv, batch); err != nil {
		t.Fatalf("sign batch: %v", err)
	}
	if !VerifyBatch(batch) {
		t.Fatalf("expected batch signature to verify")
	}
	if err := batch.Validate(); err != nil {
		t.Fatalf("validate batch: %v", err)
	}
}

func TestBatchValidateRejectsBatcherKeyMismatch(t *testing.T) {
	priv := newTestKey(t)
	txn := newSignedTransaction(t, priv)
	other := newTestKey(t)

	batch := &Batch{
		Header: BatchHeader{
			SignerPublicKey: PublicKeyBytes(other),
			TransactionIDs:  []string{txn.ID()},
		},
		Transactions: []*Transaction{txn},
	}
	if err := batch.Validate(); err == nil {
		t.Fatalf("expected mismatched batcher key to fail validation")
	}
}

func TestSignBlockRoundTrip(t *testing.T) {
	priv := newTestKey(t)
	block := &Block{
		Header: BlockHeader{
			PreviousBlockID: ReservedPreviousBlockID,
			BlockNumber:     0,
			SignerPublicKey: PublicKeyBytes(priv),
		},
	}
	if err := SignBlock(priv, block); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	if !VerifyBlock(block) {
		t.Fatalf("expected block signature to verify")
	}
	if !block.IsGenesis() {
		t.Fatalf("expected block to be recognized as genesis")
	}
}
