// Copyright 2025 The vmharness authors
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

// Package imagestore creates writable per-VM clones of a read-only base
// disk image. Clones are copy-on-write where the host supports it
// (reflink, or a qcow2 overlay referencing the base as backing file) and
// degrade to a full copy otherwise.
package imagestore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrImage classifies all clone failures: missing source, unwritable
// destination, or a failing qemu-img invocation.
var ErrImage = errors.New("image error")

// Image is an owned, writable clone of a base image. The owner (the VM
// holding the disk) is responsible for calling Remove at teardown.
type Image struct {
	Path string
}

func (i *Image) String() string { return i.Path }

// Remove deletes the clone from disk. Removing an already-removed image
// is a no-op.
func (i *Image) Remove() error {
	if err := os.Remove(i.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing clone %s: %v", ErrImage, i.Path, err)
	}
	return nil
}

// Clone creates a writable clone of src at dst.
//
// Strategy, cheapest first:
//  1. reflink (FICLONE ioctl) — shares blocks until modified
//  2. qcow2 overlay with src as backing file (qcow2 sources only)
//  3. full byte copy
//
// All three are functionally equivalent; only the cost differs.
func Clone(src, dst string) (*Image, error) {
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("%w: source image %s: %v", ErrImage, src, err)
	}

	dst, err := filepath.Abs(dst)
	if err != nil {
		return nil, fmt.Errorf("%w: destination path %s: %v", ErrImage, dst, err)
	}

	switch err := reflink(src, dst); {
	case err == nil:
		slog.Debug("cloned image via reflink", "src", src, "dst", dst)
		return &Image{Path: dst}, nil
	case !errors.Is(err, errReflinkUnsupported):
		return nil, err
	}

	if isQCOW2(src) && isQCOW2(dst) {
		if err := overlay(src, dst); err != nil {
			return nil, err
		}
		slog.Debug("cloned image via qcow2 overlay", "src", src, "dst", dst)
		return &Image{Path: dst}, nil
	}

	if err := fullCopy(src, dst); err != nil {
		return nil, err
	}
	slog.Debug("cloned image via full copy", "src", src, "dst", dst)
	return &Image{Path: dst}, nil
}

// errReflinkUnsupported marks reflink failures that should fall through to
// the next clone strategy rather than abort.
var errReflinkUnsupported = errors.New("reflink unsupported")

func reflink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: opening source %s: %v", ErrImage, src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: destination %s not writable: %v", ErrImage, dst, err)
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		// EOPNOTSUPP/EINVAL: filesystem cannot reflink. EXDEV: src and
		// dst live on different filesystems.
		os.Remove(dst)
		if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EINVAL) ||
			errors.Is(err, unix.EXDEV) || errors.Is(err, unix.ENOTSUP) {
			return errReflinkUnsupported
		}
		return fmt.Errorf("%w: reflink %s -> %s: %v", ErrImage, src, dst, err)
	}
	return nil
}

func overlay(src, dst string) error {
	cmd := exec.Command(
		"qemu-img",
		"create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", src),
		dst,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: qemu-img create: %v: output: %s", ErrImage, err, output)
	}
	return nil
}

func fullCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: opening source %s: %v", ErrImage, src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: destination %s not writable: %v", ErrImage, dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: copying %s -> %s: %v", ErrImage, src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrImage, dst, err)
	}
	return nil
}

// isQCOW2 is a suffix check only: `.img` and `.raw` name raw images by
// convention, and declaring backing_fmt=qcow2 over a raw base would
// produce an unopenable disk. Anything not clearly qcow2 takes the full
// copy path instead.
func isQCOW2(path string) bool {
	return strings.HasSuffix(path, ".qcow2")
}
