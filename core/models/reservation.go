package models

// Reservation is a calendar booking of a site. Read-only to this service.
type Reservation struct {
	EventID    string `json:"event_id,omitempty"`
	CreatorID  string `json:"creator_id"`
	Creator    string `json:"creator,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	Site       string `json:"site,omitempty"`
	Title      string `json:"title,omitempty"`
	Start      string `json:"start,omitempty"`
	End        string `json:"end,omitempty"`
}
