package se

import (
	"errors"
	"fmt"
)

// Status is the outcome vocabulary shared by every engine operation.
type Status int

const (
	Success Status = iota
	Failed
	ChannelNotAvailable
	NoSuchElement
	UnsupportedOperation
	IOError
)

var statusNames = map[Status]string{
	Success:              "SUCCESS",
	Failed:               "FAILED",
	ChannelNotAvailable:  "CHANNEL_NOT_AVAILABLE",
	NoSuchElement:        "NO_SUCH_ELEMENT_ERROR",
	UnsupportedOperation: "UNSUPPORTED_OPERATION",
	IOError:              "IOERROR",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

var (
	ErrFailed               = errors.New("secure element: operation failed")
	ErrChannelNotAvailable  = errors.New("secure element: no logical channel available")
	ErrNoSuchElement        = errors.New("secure element: no applet matches the AID")
	ErrUnsupportedOperation = errors.New("secure element: operation not supported")
	ErrIO                   = errors.New("secure element: I/O error")
)

// Err returns nil for Success and the matching sentinel error otherwise.
func (s Status) Err() error {
	switch s {
	case Success:
		return nil
	case ChannelNotAvailable:
		return ErrChannelNotAvailable
	case NoSuchElement:
		return ErrNoSuchElement
	case UnsupportedOperation:
		return ErrUnsupportedOperation
	case IOError:
		return ErrIO
	default:
		return ErrFailed
	}
}
