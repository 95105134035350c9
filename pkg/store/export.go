package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotsetgreg/ctxkeeper/pkg/conversation"
)

// checkpointExportVersion guards the export envelope format.
const checkpointExportVersion = 1

// CheckpointExport is the portable JSON envelope for one checkpoint and
// its frozen messages.
type CheckpointExport struct {
	Version    int                     `json:"version"`
	ExportedAt time.Time               `json:"exported_at"`
	Checkpoint conversation.Checkpoint `json:"checkpoint"`
	Messages   []conversation.Message  `json:"messages"`
}

// ExportCheckpoint renders a checkpoint as indented JSON for transfer or
// inspection.
func ExportCheckpoint(cp conversation.Checkpoint, msgs []conversation.Message) ([]byte, error) {
	env := CheckpointExport{
		Version:    checkpointExportVersion,
		ExportedAt: time.Now().UTC(),
		Checkpoint: cp,
		Messages:   msgs,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export checkpoint %s: %w", cp.ID, err)
	}
	return data, nil
}

// ImportCheckpoint parses an export envelope and validates its version.
func ImportCheckpoint(data []byte) (conversation.Checkpoint, []conversation.Message, error) {
	var env CheckpointExport
	if err := json.Unmarshal(data, &env); err != nil {
		return conversation.Checkpoint{}, nil, fmt.Errorf("parse checkpoint export: %w", err)
	}
	if env.Version != checkpointExportVersion {
		return conversation.Checkpoint{}, nil, fmt.Errorf("unsupported checkpoint export version %d", env.Version)
	}
	return env.Checkpoint, env.Messages, nil
}
