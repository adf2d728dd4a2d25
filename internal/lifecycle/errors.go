package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates an unknown project or execution id
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a status change the graph does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicate indicates a project is already registered with the scheduler
	ErrDuplicate = errors.New("already scheduled")
	// ErrNotLater indicates an extension that would not postpone the destroy
	ErrNotLater = errors.New("extension must move the destroy time later")
)

// NotFoundError names the kind of entity that was missing
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError reports the current status and the statuses the request
// required.
type TransitionError struct {
	ProjectID string
	From      Status
	To        Status
	Required  []Status
}

func (e *TransitionError) Error() string {
	req := make([]string, len(e.Required))
	for i, s := range e.Required {
		req[i] = string(s)
	}
	required := strings.Join(req, " or ")
	if required == "" {
		required = "none"
	}
	return fmt.Sprintf("project %s is %s; moving to %s requires %s", e.ProjectID, e.From, e.To, required)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
