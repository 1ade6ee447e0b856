package model

import (
	"errors"
	"fmt"
)

// ErrConfig is wrapped by every construction-time configuration error.
var ErrConfig = errors.New("invalid model configuration")

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
