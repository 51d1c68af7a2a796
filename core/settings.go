package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// settingsNamespace is the reserved address prefix for on-chain settings,
// mirroring Sawtooth's settings transaction family namespace.
const settingsNamespace = "000000"

// settingEntry is how a single on-chain setting is stored at its leaf
// address: a small list so that, as in real Sawtooth, a single address can
// carry more than one colliding key without loss.
type settingEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SettingAddress computes the state address a dotted setting key
// (e.g. "sawtooth.validator.block_validation_rules") is stored at: a fixed
// namespace prefix followed by a SHA-256 hash fragment of each of the first
// three dot-separated parts and of the remainder, so that keys sharing a
// common prefix cluster under nearby addresses the way namespace-scoped
// state does elsewhere in this package.
func SettingAddress(key string) Address {
	parts := strings.SplitN(key, ".", 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	var hexParts [4]string
	for i, p := range parts {
		sum := sha256.Sum256([]byte(p))
		hexParts[i] = hex.EncodeToString(sum[:])[:16]
	}
	addrHex := settingsNamespace + hexParts[0] + hexParts[1] + hexParts[2] + hexParts[3]
	addr, err := ParseAddress(addrHex)
	if err != nil {
		// addrHex is always 6 + 4*16 = 70 hex chars by construction.
		panic("core: malformed settings address: " + err.Error())
	}
	return addr
}

// GetSetting reads a single on-chain setting's string value from state root,
// returning ok=false if the key has never been set.
func GetSetting(state *MerkleState, root NodeHash, key string) (string, bool, error) {
	raw, ok, err := state.Get(root, SettingAddress(key))
	if err != nil || !ok {
		return "", false, err
	}
	var entries []settingEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.Key == key {
			return e.Value, true, nil
		}
	}
	return "", false, nil
}

// SetSetting writes a single on-chain setting's string value, preserving any
// other key already stored at the same address.
func SetSetting(state *MerkleState, root NodeHash, key, value string) (NodeHash, error) {
	addr := SettingAddress(key)
	raw, ok, err := state.Get(root, addr)
	if err != nil {
		return root, err
	}
	var entries []settingEntry
	if ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return root, err
		}
	}
	replaced := false
	for i, e := range entries {
		if e.Key == key {
			entries[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, settingEntry{Key: key, Value: value})
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return root, err
	}
	return state.Set(root, []KV{{Address: addr, Value: encoded}})
}

// Well-known setting keys read by the chain controller, block publisher,
// and peer network.
const (
	SettingConsensusAlgorithm     = "sawtooth.consensus.algorithm.name"
	SettingConsensusVersion       = "sawtooth.consensus.algorithm.version"
	SettingBatchInjectors         = "sawtooth.validator.batch_injectors"
	SettingBlockValidationRules   = "sawtooth.validator.block_validation_rules"
	SettingTransactionFamilies    = "sawtooth.validator.transaction_families"
)
