package state

import (
	"encoding/json"
	"fmt"
	"os"
)

// Checkpoint is the JSON-serialisable form of a run paused after a step.
type Checkpoint struct {
	RunID    string `json:"run_id"`
	Job      string `json:"job"`
	NextStep int    `json:"next_step"`
	LastStep string `json:"last_step"`
	State    State  `json:"state"`
}

// Save persists the checkpoint to a JSON file.
func (c *Checkpoint) Save(path string) error {
	p, err := Plain(c.State)
	if err != nil {
		return fmt.Errorf("checkpoint state: %w", err)
	}
	doc := *c
	doc.State, _ = Coerce(p)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("checkpoint write: %w", err)
	}
	return nil
}

// LoadCheckpoint restores a checkpoint from a JSON file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint read: %w", err)
	}
	var raw struct {
		Checkpoint
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("checkpoint unmarshal: %w", err)
	}
	cp := raw.Checkpoint
	cp.State = New()
	if len(raw.State) > 0 && string(raw.State) != "null" {
		var doc any
		if err := unmarshalNumbers(raw.State, &doc); err != nil {
			return nil, fmt.Errorf("checkpoint state: %w", err)
		}
		p, err := Plain(doc)
		if err != nil {
			return nil, fmt.Errorf("checkpoint state: %w", err)
		}
		st, ok := Coerce(p)
		if !ok {
			return nil, fmt.Errorf("checkpoint state must be a mapping")
		}
		cp.State = st
	}
	if cp.NextStep < 0 {
		return nil, fmt.Errorf("checkpoint next_step %d is negative", cp.NextStep)
	}
	return &cp, nil
}
