package rbac

import "fmt"

// CheckAccess decides whether userID may reach a record owned by ownerID.
// Under OWN, records without an owner are not reachable.
func CheckAccess(visibility Visibility, userID, ownerID string) error {
	switch visibility {
	case VisibilityAll:
		return nil
	case VisibilityOwn:
		if ownerID != "" && ownerID == userID {
			return nil
		}
		return ErrRecordVisibilityDenied
	}
	return fmt.Errorf("%w: unsupported visibility %q", ErrRecordVisibilityDenied, visibility)
}
