//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/errclass.go
//

// Package errclass classifies errors produced by probe processes, pipes,
// and subscriber connections into short, stable strings suitable for
// structured logging and aggregation.
package errclass

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// Exported classes. Names mirror the underlying errno where one exists;
// EGENERIC covers anything this package does not recognize.
const (
	EADDRNOTAVAIL   = "EADDRNOTAVAIL"
	EADDRINUSE      = "EADDRINUSE"
	ECONNABORTED    = "ECONNABORTED"
	ECONNREFUSED    = "ECONNREFUSED"
	ECONNRESET      = "ECONNRESET"
	EHOSTUNREACH    = "EHOSTUNREACH"
	EINVAL          = "EINVAL"
	EINTR           = "EINTR"
	ENETDOWN        = "ENETDOWN"
	ENETUNREACH     = "ENETUNREACH"
	ENOBUFS         = "ENOBUFS"
	ENOTCONN        = "ENOTCONN"
	EPROTONOSUPPORT = "EPROTONOSUPPORT"
	ETIMEDOUT       = "ETIMEDOUT"
	EPIPE           = "EPIPE"
	ENOENT          = "ENOENT"
	EACCES          = "EACCES"
	ESRCH           = "ESRCH"
	ECANCELED       = "ECANCELED"
	EGENERIC        = "EGENERIC"
)

// New classifies err into one of the class strings above. It returns ""
// for a nil error, and [EGENERIC] for any error it cannot recognize.
//
// New unwraps [context.DeadlineExceeded], [context.Canceled], [*os.SyscallError],
// and [syscall.Errno] before falling back to EGENERIC. It does not attempt to
// classify every possible error: callers relying on exhaustive classification
// of platform-specific conditions should add cases here rather than upstream.
func New(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return ECANCELED
	case errors.Is(err, os.ErrNotExist):
		return ENOENT
	case errors.Is(err, os.ErrPermission):
		return EACCES
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if class, ok := classifyErrno(errno); ok {
			return class
		}
	}

	return EGENERIC
}

func classifyErrno(errno syscall.Errno) (string, bool) {
	switch errno {
	case errEADDRNOTAVAIL:
		return EADDRNOTAVAIL, true
	case errEADDRINUSE:
		return EADDRINUSE, true
	case errECONNABORTED:
		return ECONNABORTED, true
	case errECONNREFUSED:
		return ECONNREFUSED, true
	case errECONNRESET:
		return ECONNRESET, true
	case errEHOSTUNREACH:
		return EHOSTUNREACH, true
	case errEINVAL:
		return EINVAL, true
	case errEINTR:
		return EINTR, true
	case errENETDOWN:
		return ENETDOWN, true
	case errENETUNREACH:
		return ENETUNREACH, true
	case errENOBUFS:
		return ENOBUFS, true
	case errENOTCONN:
		return ENOTCONN, true
	case errEPROTONOSUPPORT:
		return EPROTONOSUPPORT, true
	case errETIMEDOUT:
		return ETIMEDOUT, true
	case errEPIPE:
		return EPIPE, true
	case errENOENT:
		return ENOENT, true
	case errEACCES:
		return EACCES, true
	case errESRCH:
		return ESRCH, true
	default:
		return "", false
	}
}
