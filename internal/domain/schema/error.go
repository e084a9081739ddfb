package schema

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTable = errors.New("unknown table")
	ErrEmptySchema  = errors.New("schema declares no tables")
)

// ValidationError нарушение схемы в конкретном поле
type ValidationError struct {
	Table  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Table, e.Field, e.Reason)
}
