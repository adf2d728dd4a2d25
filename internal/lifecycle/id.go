package lifecycle

import "github.com/google/uuid"

// NewProjectID generates a new unique project ID using UUID v4
func NewProjectID() string {
	return uuid.New().String()
}

// NewExecutionID returns a time-ordered UUID v7 so execution ids sort by
// start time.
func NewExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
