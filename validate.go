package strata

import (
	"sort"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

// Validation covers the objects written in this transaction: the
// declarative field rules run through the bean-validation delegate,
// then the custom per-type checks. Under ValidateAutomatically the
// same pass runs at commit and a failing commit leaves the
// transaction open, so the violations can be fixed and retried.

// Validate checks every object in the transaction's pending set and
// returns a *strata_errors.ValidationError listing the violations, or
// nil when the set is clean.
func (tx *Tx) Validate() error {
	if tx.done {
		return strata_errors.ErrTxDone
	}
	pending := make([]schema.ObjId, 0, len(tx.dirty))
	for oid := range tx.dirty {
		pending = append(pending, oid)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	var violations []strata_errors.Violation
	for _, oid := range pending {
		live, err := tx.Exists(oid)
		if err != nil {
			return err
		}
		if !live {
			continue
		}
		tdef, err := tx.typeOf(oid)
		if err != nil {
			return err
		}
		for i := range tdef.Fields {
			f := &tdef.Fields[i]
			if f.Rules == "" || f.Kind != schema.KindSimple {
				continue
			}
			v, err := tx.readSimple(oid, f)
			if err != nil {
				return err
			}
			if verr := tx.store.vd.Var(v, f.Rules); verr != nil {
				violations = append(violations, strata_errors.Violation{
					Id:    oid.String(),
					Field: f.Name,
					Rule:  f.Rules,
					Cause: verr,
				})
			}
		}
		if hooks, ok := tx.store.validateHooks.Load(tdef.Name); ok {
			for _, h := range hooks {
				if herr := h(tx, oid); herr != nil {
					violations = append(violations, strata_errors.Violation{
						Id:    oid.String(),
						Rule:  "custom",
						Cause: herr,
					})
				}
			}
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return &strata_errors.ValidationError{Violations: violations}
}
