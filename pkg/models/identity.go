package models

import "time"

// Identity is the agent's single-row self-model. Creator is immutable;
// every other field evolves through journaled updates.
type Identity struct {
	Creator            string    `json:"creator"`
	DisplayName        string    `json:"display_name"`
	Purpose            string    `json:"purpose"`
	Values             string    `json:"values"`
	Beliefs            string    `json:"beliefs"`
	Curiosities        string    `json:"curiosities"`
	Boundaries         string    `json:"boundaries"`
	Capabilities       string    `json:"capabilities"`
	Personality        string    `json:"personality"`
	CommunicationStyle string    `json:"communication_style"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IdentityEvolution journals one change to an identity field.
type IdentityEvolution struct {
	ID         int64     `json:"id"`
	Trigger    string    `json:"trigger"`
	Field      string    `json:"field"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}
