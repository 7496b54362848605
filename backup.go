package gridcore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Backup is a self-contained snapshot of a document: the serialized
// sheets plus the shadow records and undo/redo history
type Backup struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	Document  json.RawMessage `json:"document"`
	State     stateSnapshot   `json:"state"`
}

// newBackup captures sheets and state under a fresh id
func newBackup(sheets []*Sheet, states *StateManager, clock Clock) (*Backup, error) {
	document, err := Serialize(sheets)
	if err != nil {
		return nil, NewEngineError(Internal, "backup serialize failed: "+err.Error())
	}
	return &Backup{
		ID:        uuid.NewString(),
		CreatedAt: clock.Now(),
		Document:  document,
		State:     states.snapshot(),
	}, nil
}

// Encode renders the backup as JSON
func (b *Backup) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, NewEngineError(Internal, "backup encode failed: "+err.Error())
	}
	return data, nil
}

// DecodeBackup parses a backup produced by Encode. corrupted input is an
// error; nothing is partially restored from it.
func DecodeBackup(data []byte) (*Backup, error) {
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, NewEngineError(InvalidArgument, "backup decode failed: "+err.Error())
	}
	if b.ID == "" {
		return nil, NewEngineError(InvalidArgument, "backup missing id")
	}
	return &b, nil
}
