package models

import "time"

// Microservice is the owning entity definition fetched from the catalog,
// with enum and model definitions attached. Soft-deleted models and fields
// are filtered out before the definition reaches the pipeline.
type Microservice struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	DeploymentState string      `json:"deployment_state"`
	OrganisationID  string      `json:"organisation_id"`
	Models          []ModelDefn `json:"models"`
	Enums           []EnumDefn  `json:"enums"`
}

// ModelDefn is one entity schema inside a microservice.
type ModelDefn struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Fields    []FieldDefn `json:"fields"`
	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
}

// FieldDefn is one column/attribute of a model.
type FieldDefn struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Required   bool       `json:"required"`
	ExternalFK string     `json:"external_fk,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// EnumDefn is one enum type shared across models.
type EnumDefn struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// FilterDeleted returns a copy of the microservice without soft-deleted
// models and fields.
func (m Microservice) FilterDeleted() Microservice {
	out := m
	out.Models = make([]ModelDefn, 0, len(m.Models))
	for _, md := range m.Models {
		if md.DeletedAt != nil {
			continue
		}
		kept := md
		kept.Fields = make([]FieldDefn, 0, len(md.Fields))
		for _, f := range md.Fields {
			if f.DeletedAt == nil {
				kept.Fields = append(kept.Fields, f)
			}
		}
		out.Models = append(out.Models, kept)
	}
	return out
}

// MigrationChange describes one detected schema change.
type MigrationChange struct {
	Kind         string `json:"kind"`
	Model        string `json:"model"`
	Field        string `json:"field,omitempty"`
	Description  string `json:"description"`
	Fixable      bool   `json:"fixable"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// MigrationReport is the transient result of a migration-safety analysis.
// It is produced fresh per validation call and never persisted.
type MigrationReport struct {
	HasIssues         bool              `json:"has_issues"`
	IsFirstGeneration bool              `json:"is_first_generation"`
	HasFixableChanges bool              `json:"has_fixable_changes"`
	Changes           []MigrationChange `json:"changes,omitempty"`
	AppliedFixes      []string          `json:"applied_fixes,omitempty"`
}

// Blocking reports whether any detected issue cannot be auto-fixed.
func (r MigrationReport) Blocking() bool {
	if !r.HasIssues {
		return false
	}
	for _, c := range r.Changes {
		if !c.Fixable {
			return true
		}
	}
	return false
}

// ValidationError is one configuration problem found by full validation.
type ValidationError struct {
	Model   string `json:"model,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}
