package domain

// CreateRunRequest represents the request to create a run.
type CreateRunRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// UpdateRunRequest represents a partial update of a run.
type UpdateRunRequest struct {
	Status     *RunStatus `json:"status,omitempty"`
	ErrorCount *int       `json:"error_count,omitempty"`
}

// CreatePageRequest represents the request to record a discovered page.
type CreatePageRequest struct {
	URL   string   `json:"url"`
	Title string   `json:"title,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// UpdatePageRequest represents a partial update of a page.
type UpdatePageRequest struct {
	Title     *string     `json:"title,omitempty"`
	Score     *float64    `json:"score,omitempty"`
	Status    *PageStatus `json:"status,omitempty"`
	TotalHits *int        `json:"total_hits,omitempty"`
	Notes     *string     `json:"notes,omitempty"`
}

// ErrorResponse is the JSON body returned for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
