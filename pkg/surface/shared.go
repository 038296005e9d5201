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

package surface

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/gpufw/gpufw/pkg/log"
	"golang.org/x/sys/unix"
)

var pageMask = int64(os.Getpagesize() - 1)

func roundUpToPage(x int64) int64 {
	return (x + pageMask) &^ pageMask
}

// Shared is a region in a sealed memfd mapped into this process. The file
// descriptor can be handed to a peer process that maps the same pages.
type Shared struct {
	region
	fd   int
	lock *flock.Flock
}

// NewShared creates a memfd named name of at least size bytes and maps it.
func NewShared(name string, size int64) (*Shared, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size: %d", size)
	}
	size = roundUpToPage(size)
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate failed: %w", err)
	}
	// Neither side may shrink the file under the other's mapping.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to apply memfd seals: %w", err)
	}
	return mapShared(fd, size, nil)
}

// OpenShared maps the file at path, creating it with size bytes if needed.
// The file is locked for the lifetime of the mapping so that only one host
// driver owns a given surface.
func OpenShared(path string, size int64) (*Shared, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("surface %q is owned by another process", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	// Mmap keeps its own reference to the file.
	defer f.Close()
	size = roundUpToPage(size)
	if err := f.Truncate(size); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("truncate %q: %w", path, err)
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return mapShared(fd, size, lock)
}

func mapShared(fd int, size int64, lock *flock.Flock) (*Shared, error) {
	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		if lock != nil {
			lock.Unlock()
		}
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	log.Debugf("Mapped shared surface: fd %d, %#x bytes", fd, size)
	return &Shared{region: region{b: b}, fd: fd, lock: lock}, nil
}

// FD returns the file descriptor backing s.
func (s *Shared) FD() int {
	return s.fd
}

// Close unmaps s and releases its file.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b == nil {
		return nil
	}
	err := unix.Munmap(s.b)
	s.b = nil
	unix.Close(s.fd)
	if s.lock != nil {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}
