package poller

import (
	"errors"
	"fmt"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// errRegisterNotFound is wrapped into the error returned by WriteRegister
// when the name doesn't match any configured RegisterSpec.
var errRegisterNotFound = errors.New("poller: register not found")

// WriteError is returned by WriteRegister for a write rejected at the API
// boundary (spec.md §6, §7 WritePreconditionFail) before it ever reaches
// the wire: a read-only area or a dtype writeRegister doesn't support.
type WriteError struct {
	Kind     model.ErrorKind
	Register string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %s", e.Register, e.Kind)
}
