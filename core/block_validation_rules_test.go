package core_test

import (
	. "sawtooth-validator/core"
	"testing"
)

func TestParseValidationRulesGrammar(t *testing.T) {
	rules, err := ParseValidationRules(" NofX:1, intkey ; XatY:block_info,0 ; local:0,1 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[0].Name != "NofX" || rules[0].Args[0] != "1" || rules[0].Args[1] != "intkey" {
		t.Fatalf("unexpected first rule: %+v", rules[0])
	}
	if rules[1].Name != "XatY" || rules[1].Args[1] != "0" {
		t.Fatalf("unexpected second rule: %+v", rules[1])
	}
	if rules[2].Name != "local" || len(rules[2].Args) != 2 {
		t.Fatalf("unexpected third rule: %+v", rules[2])
	}
}

func TestParseValidationRulesEmptyStringYieldsNoRules(t *testing.T) {
	rules, err := ParseValidationRules("")
	if err != nil || rules != nil {
		t.Fatalf("expected no rules and no error, got %v, %v", rules, err)
	}
}

func buildBlockForRules(t *testing.T, signer *testSigner, families []string) *Block {
	t.Helper()
	var txns []*Transaction
	for i, family := range families {
		txns = append(txns, makeTxn(t, signer, family, "n"+string(rune('0'+i)), []string{"1cf126"}, []string{"1cf126"}))
	}
	batch := newTestBatch(t, signer, txns...)
	block := &Block{
		Header: BlockHeader{
			PreviousBlockID: ReservedPreviousBlockID,
			BlockNumber:     0,
			StateRootHash:   EmptyRoot,
			SignerPublicKey: signer.pub,
			BatchIDs:        []string{batch.ID()},
		},
		Batches: []*Batch{batch},
	}
	if err := SignBlock(signer.key, block); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	return block
}

func TestEvaluateValidationRulesNofXRejectsExcess(t *testing.T) {
	signer := newTestSigner(t)
	block := buildBlockForRules(t, signer, []string{"intkey", "intkey"})
	rules, _ := ParseValidationRules("NofX:1,intkey")
	if err := EvaluateValidationRules(rules, block); err == nil {
		t.Fatalf("expected NofX violation")
	}
}

func TestEvaluateValidationRulesXatYChecksFamilyAtIndex(t *testing.T) {
	signer := newTestSigner(t)
	block := buildBlockForRules(t, signer, []string{"block_info", "intkey"})
	rules, _ := ParseValidationRules("XatY:block_info,0")
	if err := EvaluateValidationRules(rules, block); err != nil {
		t.Fatalf("expected rule satisfied, got %v", err)
	}

	rulesFail, _ := ParseValidationRules("XatY:block_info,-1")
	if err := EvaluateValidationRules(rulesFail, block); err == nil {
		t.Fatalf("expected XatY violation at last index")
	}
}

func TestEvaluateValidationRulesLocalRequiresBlockSigner(t *testing.T) {
	signer := newTestSigner(t)
	block := buildBlockForRules(t, signer, []string{"intkey"})
	rules, _ := ParseValidationRules("local:0")
	if err := EvaluateValidationRules(rules, block); err != nil {
		t.Fatalf("expected local rule satisfied since makeTxn signs with block signer, got %v", err)
	}
}
