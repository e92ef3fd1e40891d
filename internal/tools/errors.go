package tools

import "fmt"

// ErrToolNotFound is returned when a tool call names a tool that is not
// registered. It means the schema shown to the model and the registry
// disagree, which is a programming error rather than a user condition.
type ErrToolNotFound struct {
	Name string
}

// Error implements the error interface.
func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// ErrNameCollision is returned when two tools share a name. Tool names
// are unique across local and remote sources.
type ErrNameCollision struct {
	Name string
}

// Error implements the error interface.
func (e *ErrNameCollision) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}
