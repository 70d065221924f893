// Package persona defines the character record the ritual workflow enriches.
package persona

import "time"

// VisualProfile is the generated "visual DNA" of a persona: a textual
// description plus a reference-sheet artifact, produced by a ritual job.
type VisualProfile struct {
	Description string    `json:"description,omitempty"`
	RefSheetURL string    `json:"ref_sheet_url,omitempty"`
	Ready       bool      `json:"ready"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Persona is a member of a plural system. Only the fields the engine reads
// or writes are modelled; the social app owns the rest of the document.
type Persona struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	Name      string        `json:"name"`
	Traits    string        `json:"traits,omitempty"`
	Visual    VisualProfile `json:"visual"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
