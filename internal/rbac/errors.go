package rbac

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by stores when a role, permission row or
	// membership does not exist.
	ErrNotFound = errors.New("rbac: not found")

	ErrAuthenticationMissing    = errors.New("authentication required")
	ErrModuleActionDenied       = errors.New("module action denied")
	ErrRecordVisibilityDenied   = errors.New("record visibility denied")
	ErrFieldAuthorizationDenied = errors.New("field authorization denied")
	ErrRecordNotFound           = errors.New("record not found")
	ErrValidation               = errors.New("validation failed")
	ErrConflict                 = errors.New("conflict")
	ErrAuditWrite               = errors.New("audit write failed")
)

// FieldDeniedError lists the payload fields the caller may not write.
type FieldDeniedError struct {
	Fields []string
}

func (e *FieldDeniedError) Error() string {
	return ErrFieldAuthorizationDenied.Error() + ": " + strings.Join(e.Fields, ", ")
}

func (e *FieldDeniedError) Is(target error) bool {
	return target == ErrFieldAuthorizationDenied
}
