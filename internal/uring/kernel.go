package uring

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// LinuxKernel talks to the real ublk driver.
type LinuxKernel struct {
	// ControlPath defaults to /dev/ublk-control.
	ControlPath string
	// DeviceWait bounds how long OpenDevice waits for udev to create
	// /dev/ublkcN after ADD_DEV. Zero means five seconds.
	DeviceWait time.Duration
}

// Control opens the control device with a 128-byte SQE ring.
func (k *LinuxKernel) Control() (Ring, error) {
	path := k.ControlPath
	if path == "" {
		path = uapi.UBLK_CONTROL_DEV
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r, err := newRing(fd, controlRingDepth, true, true)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return r, nil
}

// OpenDevice opens /dev/ublkcN, retrying while the node does not exist yet.
func (k *LinuxKernel) OpenDevice(devID uint32) (DeviceFile, error) {
	path := uapi.UblkDevicePath(devID)
	wait := k.DeviceWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	deadline := time.Now().Add(wait)
	for {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return &charDevice{fd: fd, path: path}, nil
		}
		if !errors.Is(err, unix.ENOENT) || time.Now().After(deadline) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

type charDevice struct {
	mu     sync.Mutex
	fd     int
	path   string
	closed bool
}

func (c *charDevice) Queue(qid uint16, depth int) (Ring, *Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}

	page := unix.Getpagesize()
	desc, err := MapShared(c.fd, uapi.DescOffset(qid, page), uapi.DescMapSize(depth, page), unix.PROT_READ)
	if err != nil {
		return nil, nil, err
	}
	r, err := newRing(c.fd, ringEntries(depth), false, false)
	if err != nil {
		_ = desc.Unmap()
		return nil, nil, err
	}
	return r, desc, nil
}

func (c *charDevice) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("close %s: %w", c.path, err)
	}
	return nil
}
