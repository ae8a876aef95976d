package errors

import (
	"context"
)

// CheckContext converts a done context into a coded error: Timeout when the
// deadline passed, Canceled otherwise. Blocking operations call this at loop
// boundaries so cancellation surfaces with the operation named.
func CheckContext(ctx context.Context, operation string) error {
	switch err := ctx.Err(); err {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return Wrap(err, Timeout, operation+" timed out")
	default:
		return Wrap(err, Canceled, operation+" canceled")
	}
}
