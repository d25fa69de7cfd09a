package persistence

import (
	"errors"
	"fmt"

	"github.com/BaSui01/chatrelay/types"
)

// DomainError translates store sentinels into the relay's coded errors.
// Errors that already carry a code are returned unchanged.
func DomainError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}

	msg := fmt.Sprintf(format, args...)
	var code types.ErrorCode
	switch {
	case errors.Is(err, ErrNotFound):
		code = types.ErrNotFound
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlreadyExists):
		code = types.ErrConflict
	case errors.Is(err, ErrInvalidInput):
		code = types.ErrInvalidRequest
	default:
		code = types.ErrInternalError
	}
	return types.NewError(code, msg).WithCause(err)
}
