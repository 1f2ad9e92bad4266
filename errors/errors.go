package errors

import "fmt"

var (
	ErrStoreUnavailable    = fmt.Errorf("durable store unavailable")
	ErrConstraintViolation = fmt.Errorf("structurally invalid message")
	ErrBusUnavailable      = fmt.Errorf("fan-out bus unavailable")
	ErrUnknownMessage      = fmt.Errorf("unknown message id")
	ErrWorkerPanic         = fmt.Errorf("worker panic")
)
