// Package model defines shared data structures for the vagas service.
package model

import "time"

// Listing mirrors a row of the vagas table. The JSON shape is the one the
// change feed carries in its record / old_record fields.
type Listing struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Client       string    `json:"client"`
	Role         string    `json:"role"`
	Site         string    `json:"site"`
	Category     string    `json:"category"`
	Cell         string    `json:"cell"`
	Description  string    `json:"description"`
	Requirements string    `json:"requirements"`
	Salary       string    `json:"salary"`
	Benefits     string    `json:"benefits"`
	Schedule     string    `json:"schedule"`
	Status       string    `json:"status"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListingPatch carries a partial update. Nil fields are left untouched.
type ListingPatch struct {
	Title        *string `json:"title,omitempty"`
	Client       *string `json:"client,omitempty"`
	Role         *string `json:"role,omitempty"`
	Site         *string `json:"site,omitempty"`
	Category     *string `json:"category,omitempty"`
	Cell         *string `json:"cell,omitempty"`
	Description  *string `json:"description,omitempty"`
	Requirements *string `json:"requirements,omitempty"`
	Salary       *string `json:"salary,omitempty"`
	Benefits     *string `json:"benefits,omitempty"`
	Schedule     *string `json:"schedule,omitempty"`
	Status       *string `json:"status,omitempty"`
}

// Columns returns the patched columns keyed by their database name.
func (p ListingPatch) Columns() map[string]any {
	cols := make(map[string]any)
	set := func(name string, v *string) {
		if v != nil {
			cols[name] = *v
		}
	}
	set("title", p.Title)
	set("client", p.Client)
	set("role", p.Role)
	set("site", p.Site)
	set("category", p.Category)
	set("cell", p.Cell)
	set("description", p.Description)
	set("requirements", p.Requirements)
	set("salary", p.Salary)
	set("benefits", p.Benefits)
	set("schedule", p.Schedule)
	set("status", p.Status)
	return cols
}

// PatchForField builds a single-column patch. ok is false when field does
// not name an editable listing column.
func PatchForField(field, value string) (ListingPatch, bool) {
	var p ListingPatch
	v := value
	switch field {
	case "title":
		p.Title = &v
	case "client":
		p.Client = &v
	case "role":
		p.Role = &v
	case "site":
		p.Site = &v
	case "category":
		p.Category = &v
	case "cell":
		p.Cell = &v
	case "description":
		p.Description = &v
	case "requirements":
		p.Requirements = &v
	case "salary":
		p.Salary = &v
	case "benefits":
		p.Benefits = &v
	case "schedule":
		p.Schedule = &v
	case "status":
		p.Status = &v
	default:
		return ListingPatch{}, false
	}
	return p, true
}

// Report is a user-flagged correction request against one listing field.
type Report struct {
	ID              string    `json:"id"`
	ListingID       string    `json:"listing_id"`
	Field           string    `json:"field"`
	PreviousValue   string    `json:"previous_value"`
	SuggestedChange string    `json:"suggested_change"`
	ReporterID      string    `json:"reporter_id"`
	AssigneeID      *string   `json:"assignee_id"`
	Status          string    `json:"status"`
	AdminNote       *string   `json:"admin_note"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Snapshot is the read-only view of the cache handed to consumers.
// Clients is always the distinct, non-empty Client values of Listings.
type Snapshot struct {
	Listings []Listing `json:"listings"`
	Clients  []string  `json:"clients"`
	Loading  bool      `json:"loading"`
	Version  uint64    `json:"version"`
}
