// SPDX-License-Identifier: GPL-3.0-or-later

package errclass

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNilError(t *testing.T) {
	assert.Equal(t, "", New(nil))
}

func TestNewDeadlineExceeded(t *testing.T) {
	assert.Equal(t, ETIMEDOUT, New(context.DeadlineExceeded))
}

func TestNewCanceled(t *testing.T) {
	assert.Equal(t, ECANCELED, New(context.Canceled))
}

func TestNewNotExist(t *testing.T) {
	_, err := os.Open("/definitely/does/not/exist")
	assert.Equal(t, ENOENT, New(err))
}

func TestNewErrno(t *testing.T) {
	assert.Equal(t, EPIPE, New(syscall.EPIPE))
	assert.Equal(t, ECONNRESET, New(syscall.ECONNRESET))
	assert.Equal(t, ESRCH, New(syscall.ESRCH))
}

func TestNewGenericFallback(t *testing.T) {
	assert.Equal(t, EGENERIC, New(errors.New("unrecognized")))
}
