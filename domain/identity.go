package domain

// Identity is the resolved user behind a connection or request.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
