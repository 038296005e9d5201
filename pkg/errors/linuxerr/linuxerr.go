// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains the error codes returned by the queue, command
// and copy-engine layers, exported as *errors.Error pointers so they can be
// compared cheaply and wrapped with %w.
package linuxerr

import (
	goerrors "errors"

	"github.com/gpufw/gpufw/pkg/errors"
	"golang.org/x/sys/unix"
)

// The following errors mirror the unix.Errno values of the same name. The
// error taxonomy is:
//
//   - EINVAL: input validation failed, no side effects.
//   - EAGAIN: queue full, the caller may retry.
//   - ENOMEM: no free sequence or firmware heap space.
//   - ERANGE: a message header claims more bytes than its slot holds.
//   - EPROTO: a producer tried to claim a slot the consumer has not freed.
//   - ETIMEDOUT: a fence, RPC or queue write did not complete in time.
var (
	noError   *errors.Error = nil
	EPERM                   = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                  = errors.New(unix.ENOENT, "no such entry")
	EAGAIN                  = errors.New(unix.EAGAIN, "try again")
	ENOMEM                  = errors.New(unix.ENOMEM, "out of memory")
	EBUSY                   = errors.New(unix.EBUSY, "device or resource busy")
	ENODEV                  = errors.New(unix.ENODEV, "no such device")
	EINVAL                  = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                  = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE                  = errors.New(unix.ERANGE, "result not representable")
	EPROTO                  = errors.New(unix.EPROTO, "protocol error")
	ETIMEDOUT               = errors.New(unix.ETIMEDOUT, "timed out")
)

var byErrno = map[unix.Errno]*errors.Error{
	unix.EPERM:     EPERM,
	unix.ENOENT:    ENOENT,
	unix.EAGAIN:    EAGAIN,
	unix.ENOMEM:    ENOMEM,
	unix.EBUSY:     EBUSY,
	unix.ENODEV:    ENODEV,
	unix.EINVAL:    EINVAL,
	unix.ENOSPC:    ENOSPC,
	unix.ERANGE:    ERANGE,
	unix.EPROTO:    EPROTO,
	unix.ETIMEDOUT: ETIMEDOUT,
}

// ErrorFromUnix returns the linuxerr matching a unix.Errno. Errnos without a
// matching linuxerr are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := byErrno[err]; ok {
		return e
	}
	return err
}

// ToUnix converts err to a unix.Errno. It follows %w chains, and returns 0 if
// no errno-class error is found.
func ToUnix(err error) unix.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) && e != noError {
		return e.Errno()
	}
	var u unix.Errno
	if goerrors.As(err, &u) {
		return u
	}
	return 0
}

// Equals compares a linuxerr to a given error, following %w chains. A bare
// unix.Errno with the same value also compares equal.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	return goerrors.Is(err, e) || ToUnix(err) == e.Errno()
}
