// Copyright 2024 LatentFS Authors
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

// Package kernel talks to the autofs pseudo filesystem: it mounts the
// trigger point, reads the request packets the kernel writes to the pipe
// and answers them through control calls on the mount point.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/common"
	"automount/internal/mounts"
	"automount/internal/spawn"
	"automount/internal/util"
)

// Version is the negotiated protocol.
type Version struct {
	Major int
	Minor int
	// SubVersion is false when the kernel cannot report a minor version.
	SubVersion bool
}

// Timeouts reports whether the kernel expires idle mounts at all.
func (v Version) Timeouts() bool { return v.Major >= 3 }

// Ghosting reports whether pre-created directories are understood.
func (v Version) Ghosting() bool { return v.Major >= 3 && v.SubVersion }

// ExpireMulti reports whether batch expire is available.
func (v Version) ExpireMulti() bool { return v.Major >= 4 }

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Channel is an established autofs mount and its request pipe.
type Channel struct {
	Path string
	// DirCreated records whether Establish made the mount point directory.
	DirCreated bool

	// mu guards pipe, which a reader goroutine may hold while the
	// channel is closed.
	mu   sync.Mutex
	pipe *os.File
	ctl  *os.File
	dev  uint64
	ver  Version
}

// Establish mounts the autofs filesystem on path with a fresh request pipe
// and negotiates the protocol. Everything it created is released again on
// failure.
func Establish(path string) (*Channel, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%s: %w", path, common.ErrInvalidPath)
	}
	if mounts.IsMounted(path) {
		return nil, fmt.Errorf("%s: %w", path, common.ErrAlreadyMounted)
	}

	created, err := common.MkdirPath(path, 0o555)
	if err != nil {
		return nil, fmt.Errorf("mkdir %s: %w: %w", path, common.ErrChannelSetup, err)
	}
	c := &Channel{Path: path, DirCreated: created}

	fail := func(err error) (*Channel, error) {
		c.closeFiles()
		if c.DirCreated {
			if rmErr := common.RmdirPath(path); rmErr != nil {
				log.WithError(rmErr).WithField("path", path).Debug("kernel: remove mount point")
			}
		}
		return nil, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("pipe: %w: %w", common.ErrChannelSetup, err))
	}
	c.pipe = pr

	source := fmt.Sprintf("automount(pid%d)", os.Getpid())
	opts := fmt.Sprintf("fd=%d,pgrp=%d,minproto=%d,maxproto=%d", pw.Fd(), unix.Getpgrp(), MinProto, MaxProto)
	err = unix.Mount(source, path, mounts.AutofsType, 0, opts)
	pw.Close()
	if err != nil {
		return fail(fmt.Errorf("mount %s: %w: %w", path, common.ErrMountFailed, err))
	}

	ctl, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		unix.Unmount(path, 0)
		return fail(fmt.Errorf("open %s: %w: %w", path, common.ErrChannelSetup, err))
	}
	c.ctl = ctl

	var st unix.Stat_t
	if err := unix.Fstat(int(ctl.Fd()), &st); err != nil {
		c.closeFiles()
		unix.Unmount(path, 0)
		return fail(fmt.Errorf("stat %s: %w: %w", path, common.ErrChannelSetup, err))
	}
	c.dev = uint64(st.Dev)

	c.negotiate()
	log.WithFields(log.Fields{"path": path, "proto": c.ver.String()}).Debug("kernel: channel established")
	return c, nil
}

// Attach wraps a control handle inherited from the daemon. The result has
// no request pipe and only serves control calls.
func Attach(path string, ctl *os.File, dev uint64, ver Version) *Channel {
	return &Channel{Path: path, ctl: ctl, dev: dev, ver: ver}
}

func (c *Channel) negotiate() {
	fd := int(c.ctl.Fd())
	v, err := unix.IoctlGetUint32(fd, ioctlProtoVer)
	if err != nil {
		c.ver = Version{Major: 2}
		return
	}
	c.ver.Major = int(v)
	if c.ver.Major < 3 {
		return
	}
	sub, err := unix.IoctlGetUint32(fd, ioctlProtoSubVer)
	if err != nil {
		return
	}
	c.ver.Minor = int(sub)
	c.ver.SubVersion = true
}

// Version returns the negotiated protocol.
func (c *Channel) Version() Version { return c.ver }

// Dev returns the device id of the autofs mount.
func (c *Channel) Dev() uint64 { return c.dev }

// ControlFile is the handle control calls are issued on. Expire workers
// inherit it.
func (c *Channel) ControlFile() *os.File { return c.ctl }

func (c *Channel) fd() (int, error) {
	if c.ctl == nil {
		return -1, fmt.Errorf("%s: channel closed", c.Path)
	}
	return int(c.ctl.Fd()), nil
}

// ReadPacket blocks for the next kernel request.
func (c *Channel) ReadPacket() (Packet, error) {
	c.mu.Lock()
	pipe := c.pipe
	c.mu.Unlock()
	if pipe == nil {
		return Packet{}, fmt.Errorf("%s: %w", c.Path, os.ErrClosed)
	}
	return ReadPacket(pipe)
}

// SetTimeout pushes the idle timeout to the kernel. Kernels without timeout
// support are left alone.
func (c *Channel) SetTimeout(seconds int) error {
	if !c.ver.Timeouts() {
		return nil
	}
	fd, err := c.fd()
	if err != nil {
		return err
	}
	if _, err := ioctlSetTimeoutCall(fd, uint64(seconds)); err != nil {
		return fmt.Errorf("set timeout on %s: %w", c.Path, err)
	}
	return nil
}

// Ready releases the processes waiting on token. Token zero owes nothing.
func (c *Channel) Ready(token uint32) error {
	return c.ack(ioctlReady, token)
}

// Fail fails the processes waiting on token.
func (c *Channel) Fail(token uint32) error {
	return c.ack(ioctlFail, token)
}

func (c *Channel) ack(req uint, token uint32) error {
	if token == 0 {
		return nil
	}
	fd, err := c.fd()
	if err != nil {
		return err
	}
	if err := unix.IoctlSetInt(fd, req, int(token)); err != nil {
		return fmt.Errorf("acknowledge token %d: %w", token, err)
	}
	return nil
}

// AskUmount asks whether nothing references the mount point any more.
func (c *Channel) AskUmount() (bool, error) {
	fd, err := c.fd()
	if err != nil {
		return false, err
	}
	v, err := unix.IoctlGetUint32(fd, ioctlAskUmount)
	if err != nil {
		return false, fmt.Errorf("ask umount %s: %w", c.Path, err)
	}
	return v == 1, nil
}

// ExpireMulti asks the kernel to expire one idle mount, delivering an
// expire-multi packet for it. It returns unix.EAGAIN when nothing is left
// to expire.
func (c *Channel) ExpireMulti(flags int) error {
	fd, err := c.fd()
	if err != nil {
		return err
	}
	return unix.IoctlSetPointerInt(fd, ioctlExpireMulti, flags)
}

// ExpireLegacy returns the next idle entry the kernel is willing to expire.
// ok is false once there is none.
func (c *Channel) ExpireLegacy() (pkt Packet, ok bool, err error) {
	fd, err := c.fd()
	if err != nil {
		return Packet{}, false, err
	}
	buf, err := ioctlExpireCall(fd)
	if errors.Is(err, unix.EAGAIN) {
		return Packet{}, false, nil
	}
	if err != nil {
		return Packet{}, false, fmt.Errorf("expire %s: %w", c.Path, err)
	}
	pkt, err = DecodePacket(buf)
	if err != nil {
		return Packet{}, false, err
	}
	return pkt, true, nil
}

// Catatonic stops the kernel from sending further requests.
func (c *Channel) Catatonic() error {
	fd, err := c.fd()
	if err != nil {
		return err
	}
	return unix.IoctlSetInt(fd, ioctlCatatonic, 0)
}

// Close makes the channel catatonic and closes both descriptors.
func (c *Channel) Close() error {
	var err error
	if c.ctl != nil {
		err = c.Catatonic()
	}
	c.closeFiles()
	return err
}

func (c *Channel) closeFiles() {
	if c.ctl != nil {
		c.ctl.Close()
		c.ctl = nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe != nil {
		c.pipe.Close()
		c.pipe = nil
	}
}

// Umounter runs the unmount utility under the process lock.
type Umounter interface {
	RunLocked(ctx context.Context, level log.Level, prog string, args ...string) (spawn.Result, error)
}

// teardownRetry is replaced in tests.
var teardownRetry = util.UmountRetryOptions

// Teardown closes the channel and unmounts the autofs filesystem with the
// external umount program. A mount point that is gone, or that now belongs
// to a different device, counts as unmounted.
func (c *Channel) Teardown(ctx context.Context, u Umounter, umountProg string) error {
	if err := c.Close(); err != nil {
		log.WithError(err).WithField("path", c.Path).Debug("kernel: set catatonic")
	}

	err := util.Retry(ctx, func() error {
		res, err := u.RunLocked(ctx, log.ErrorLevel, umountProg, c.Path)
		if err == nil && res.Success() {
			return nil
		}
		if c.gone() {
			return nil
		}
		if err != nil {
			return err
		}
		return res.Err()
	}, teardownRetry(ctx)...)
	if err != nil {
		return fmt.Errorf("umount %s: %w", c.Path, err)
	}
	return nil
}

func (c *Channel) gone() bool {
	var st unix.Stat_t
	if err := unix.Stat(c.Path, &st); err != nil {
		return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR)
	}
	return uint64(st.Dev) != c.dev
}
