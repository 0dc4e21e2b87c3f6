package guard

import "errors"

var (
	// ErrStoreUnavailable is returned by Check when the counter store
	// failed or did not answer within the store timeout. The caller owns
	// the fail-open or fail-closed decision.
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrSinkUnavailable marks evidence that could not be recorded. Check
	// never returns it; it is logged and counted instead.
	ErrSinkUnavailable = errors.New("evidence sink unavailable")

	ErrEmptyKey      = errors.New("guard key must not be empty")
	ErrInvalidConfig = errors.New("invalid guard config")
)

// IsStoreUnavailable reports whether err came from the counter store.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
