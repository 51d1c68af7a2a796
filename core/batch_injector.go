package core

import (
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// NoopBatchInjector injects nothing at any hook point. NewBatchInjectorRegistry
// does not register it, and Build with no names returns no injectors.
type NoopBatchInjector struct{}

func (NoopBatchInjector) BlockStart(*Block) []*Batch                { return nil }
func (NoopBatchInjector) BeforeBatch(*Block, *Batch) []*Batch       { return nil }
func (NoopBatchInjector) AfterBatch(*Block, *Batch) []*Batch        { return nil }
func (NoopBatchInjector) BlockEnd(*Block, []*Batch) []*Batch        { return nil }

// blockInfoPayload is the block_info family's transaction payload: a record
// of the previous block's identity, mirroring Sawtooth's own block-info
// transaction family used to make chain metadata available to other
// families' business logic.
type blockInfoPayload struct {
	BlockNum        uint64 `json:"block_num"`
	PreviousBlockID string `json:"previous_block_id"`
}

// blockInfoNamespace is the reserved address prefix the block_info family
// writes its records under.
const blockInfoNamespace = "00b10c"

// BlockInfoInjector injects one block_info transaction at the start of
// every block, signed by the validator's own key, recording the previous
// block's height and ID into state at a deterministic per-height address.
type BlockInfoInjector struct {
	signer *secp256k1.PrivateKey
}

// NewBlockInfoInjector returns an injector that signs its injected
// transactions and batches with signer.
func NewBlockInfoInjector(signer *secp256k1.PrivateKey) *BlockInfoInjector {
	return &BlockInfoInjector{signer: signer}
}

func (bi *BlockInfoInjector) BlockStart(previous *Block) []*Batch {
	payload, err := json.Marshal(blockInfoPayload{
		BlockNum:        previous.Header.BlockNumber,
		PreviousBlockID: previous.ID(),
	})
	if err != nil {
		return nil
	}
	addr := blockInfoAddress(previous.Header.BlockNumber)
	pub := PublicKeyBytes(bi.signer)
	txn := &Transaction{
		Header: TransactionHeader{
			FamilyName:       "block_info",
			FamilyVersion:    "1.0",
			SignerPublicKey:  pub,
			BatcherPublicKey: pub,
			Inputs:           []string{addr.String()},
			Outputs:          []string{addr.String()},
			PayloadSHA512:    PayloadDigest(payload),
			Nonce:            fmt.Sprintf("block_info-%d", previous.Header.BlockNumber+1),
		},
		Payload: payload,
	}
	if err := SignTransaction(bi.signer, txn); err != nil {
		return nil
	}
	batch := &Batch{
		Header:       BatchHeader{SignerPublicKey: pub, TransactionIDs: []string{txn.ID()}},
		Transactions: []*Transaction{txn},
	}
	if err := SignBatch(bi.signer, batch); err != nil {
		return nil
	}
	return []*Batch{batch}
}

func (bi *BlockInfoInjector) BeforeBatch(*Block, *Batch) []*Batch { return nil }
func (bi *BlockInfoInjector) AfterBatch(*Block, *Batch) []*Batch  { return nil }
func (bi *BlockInfoInjector) BlockEnd(*Block, []*Batch) []*Batch  { return nil }

// blockInfoAddress derives the state address a given block height's
// block_info record is stored at.
func blockInfoAddress(height uint64) Address {
	addrHex := blockInfoNamespace + fmt.Sprintf("%064x", height)
	addr, err := ParseAddress(addrHex[:AddressLen*2])
	if err != nil {
		panic("core: malformed block_info address: " + err.Error())
	}
	return addr
}

// BatchInjectorFactory constructs a configured BatchInjector, analogous to
// ConsensusRegistry's engine lookup.
type BatchInjectorFactory func(signer *secp256k1.PrivateKey) BatchInjector

// BatchInjectorRegistry resolves names from sawtooth.validator.batch_injectors
// to concrete injectors.
type BatchInjectorRegistry struct {
	factories map[string]BatchInjectorFactory
}

// NewBatchInjectorRegistry returns a registry pre-populated with the
// built-in "block_info" injector.
func NewBatchInjectorRegistry() *BatchInjectorRegistry {
	r := &BatchInjectorRegistry{factories: make(map[string]BatchInjectorFactory)}
	r.Register("block_info", func(signer *secp256k1.PrivateKey) BatchInjector {
		return NewBlockInfoInjector(signer)
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *BatchInjectorRegistry) Register(name string, factory BatchInjectorFactory) {
	r.factories[name] = factory
}

// Build resolves each comma-separated name in names (as stored at
// sawtooth.validator.batch_injectors) to a constructed injector.
func (r *BatchInjectorRegistry) Build(names []string, signer *secp256k1.PrivateKey) ([]BatchInjector, error) {
	var out []BatchInjector
	for _, name := range names {
		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("core: unknown batch injector %q", name)
		}
		out = append(out, factory(signer))
	}
	return out, nil
}
