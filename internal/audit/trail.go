// Package audit provides the append-only decision and ledger-command trail
// for bountyd.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fentz26/bountyd/internal/models"
	"github.com/fentz26/bountyd/internal/store"
	"github.com/google/uuid"
)

// Trail writes audit records for state-mutating engine decisions and for
// every command issued against the external ledger. The workflow store is the
// system of record; the trail exists so value transfers can be confirmed
// after the fact without re-deriving state from the ledger.
type Trail struct {
	store *store.Store
}

// NewTrail creates a new audit trail.
func NewTrail(s *store.Store) *Trail {
	return &Trail{store: s}
}

// RecordDecision writes an audit entry for a state-mutating action.
func (t *Trail) RecordDecision(action string, inputs interface{}, outcome, taskID, details string) (*models.DecisionRecord, error) {
	return t.store.WriteDecision(action, hashInputs(inputs), outcome, taskID, details)
}

// RecordLedgerOp appends a record of an external ledger command and its
// outcome.
func (t *Trail) RecordLedgerOp(op, taskID, target string, amount int64, opErr error) error {
	rec := &models.LedgerOp{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Op:        op,
		Target:    target,
		Amount:    amount,
		OK:        opErr == nil,
		CreatedAt: time.Now().UTC(),
	}
	if opErr != nil {
		rec.Detail = opErr.Error()
	}
	return t.store.WriteLedgerOp(rec)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
