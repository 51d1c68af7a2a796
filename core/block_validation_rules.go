package core

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationRule is one parsed on-chain block-validation rule, per
// spec.md §4.8's grammar: rules separated by ';', each "name:arg,arg,...".
type ValidationRule struct {
	Name string
	Args []string
}

// ParseValidationRules parses the raw string stored at
// sawtooth.validator.block_validation_rules. Whitespace is ignored; an
// empty string yields no rules.
func ParseValidationRules(raw string) ([]ValidationRule, error) {
	raw = strings.ReplaceAll(raw, " ", "")
	raw = strings.ReplaceAll(raw, "\t", "")
	raw = strings.ReplaceAll(raw, "\n", "")
	if raw == "" {
		return nil, nil
	}
	var rules []ValidationRule
	for _, clause := range strings.Split(raw, ";") {
		if clause == "" {
			continue
		}
		nameArgs := strings.SplitN(clause, ":", 2)
		if len(nameArgs) != 2 {
			return nil, fmt.Errorf("core: malformed validation rule %q", clause)
		}
		var args []string
		if nameArgs[1] != "" {
			args = strings.Split(nameArgs[1], ",")
		}
		rules = append(rules, ValidationRule{Name: nameArgs[0], Args: args})
	}
	return rules, nil
}

// EvaluateValidationRules checks block's batches/transactions against every
// rule, returning the first violation encountered.
func EvaluateValidationRules(rules []ValidationRule, block *Block) error {
	txns := blockTransactions(block)
	for _, rule := range rules {
		var err error
		switch rule.Name {
		case "NofX":
			err = evalNofX(rule.Args, txns)
		case "XatY":
			err = evalXatY(rule.Args, txns)
		case "local":
			err = evalLocal(rule.Args, txns, block.Header.SignerPublicKey)
		default:
			err = fmt.Errorf("core: unknown block validation rule %q", rule.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func blockTransactions(block *Block) []*Transaction {
	var txns []*Transaction
	for _, b := range block.Batches {
		txns = append(txns, b.Transactions...)
	}
	return txns
}

// evalNofX enforces "at most N transactions of family per block".
func evalNofX(args []string, txns []*Transaction) error {
	if len(args) != 2 {
		return fmt.Errorf("core: NofX requires 2 args, got %v", args)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("core: NofX: bad count %q: %w", args[0], err)
	}
	family := args[1]
	count := 0
	for _, txn := range txns {
		if txn.Header.FamilyName == family {
			count++
		}
	}
	if count > n {
		return fmt.Errorf("core: NofX violated: %d transactions of family %q exceeds limit %d", count, family, n)
	}
	return nil
}

// evalXatY enforces "the transaction at index Y must be of family"; a
// negative Y counts from the end, -1 being the last transaction.
func evalXatY(args []string, txns []*Transaction) error {
	if len(args) != 2 {
		return fmt.Errorf("core: XatY requires 2 args, got %v", args)
	}
	family := args[0]
	y, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("core: XatY: bad index %q: %w", args[1], err)
	}
	idx := y
	if idx < 0 {
		idx = len(txns) + idx
	}
	if idx < 0 || idx >= len(txns) {
		return fmt.Errorf("core: XatY violated: index %d out of range for %d transactions", y, len(txns))
	}
	if txns[idx].Header.FamilyName != family {
		return fmt.Errorf("core: XatY violated: transaction at index %d is family %q, want %q", y, txns[idx].Header.FamilyName, family)
	}
	return nil
}

// evalLocal enforces "the listed transaction indices must be signed by the
// block signer".
func evalLocal(args []string, txns []*Transaction, blockSigner PublicKey) error {
	for _, a := range args {
		idx, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("core: local: bad index %q: %w", a, err)
		}
		if idx < 0 || idx >= len(txns) {
			return fmt.Errorf("core: local violated: index %d out of range for %d transactions", idx, len(txns))
		}
		if string(txns[idx].Header.SignerPublicKey) != string(blockSigner) {
			return fmt.Errorf("core: local violated: transaction %d not signed by block signer", idx)
		}
	}
	return nil
}
