//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	inotifyFactory = func(logger *slog.Logger) (backend, error) {
		return newInotifyBackend(logger)
	}
}

// dirMask is the inotify mask applied to every watched directory.
const dirMask uint32 = unix.IN_CREATE | unix.IN_MOVED_TO |
	unix.IN_MODIFY | unix.IN_ATTRIB |
	unix.IN_DELETE | unix.IN_MOVED_FROM |
	unix.IN_DELETE_SELF | unix.IN_MOVE_SELF |
	unix.IN_ONLYDIR

// invalidMask marks events after which a watch descriptor is gone or no
// longer refers to the registered path.
const invalidMask uint32 = unix.IN_IGNORED | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF | unix.IN_UNMOUNT

// inotifyBackend reads raw inotify events and splits them into per-handle
// batches. The watch descriptor is the handle.
type inotifyBackend struct {
	logger *slog.Logger

	fd int
	// pipeR/pipeW form a self-pipe: Wake writes a byte to pipeW, which
	// unblocks the poll(2) call in Take waiting on pipeR.
	pipeR int
	pipeW int

	// Loop goroutine only.
	buf     []byte
	pending []batch
	invalid map[int]bool

	closeOnce sync.Once
}

func newInotifyBackend(logger *slog.Logger) (*inotifyBackend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify: init: %w", err)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify: pipe2: %w", err)
	}

	return &inotifyBackend{
		logger: logger,
		fd:     fd,
		pipeR:  p[0],
		pipeW:  p[1],
		// Room for many events: a header plus NAME_MAX+1 bytes of name each.
		buf:     make([]byte, 4096*(unix.SizeofInotifyEvent+256)),
		invalid: make(map[int]bool),
	}, nil
}

func (b *inotifyBackend) Add(dir string) (int, error) {
	wd, err := unix.InotifyAddWatch(b.fd, dir, dirMask)
	if err != nil {
		return 0, fmt.Errorf("inotify_add_watch: %w", err)
	}
	return wd, nil
}

func (b *inotifyBackend) Take() (batch, error) {
	pollFds := []unix.PollFd{
		{Fd: int32(b.fd), Events: unix.POLLIN},
		{Fd: int32(b.pipeR), Events: unix.POLLIN},
	}

	for {
		if len(b.pending) > 0 {
			next := b.pending[0]
			b.pending = b.pending[1:]
			return next, nil
		}

		if _, err := unix.Poll(pollFds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return batch{}, fmt.Errorf("inotify: poll: %w", err)
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			b.drainPipe()
			return batch{}, errWoken
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(b.fd, b.buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return batch{}, fmt.Errorf("inotify: read: %w", err)
		}
		b.pending = b.parse(b.buf[:n])
	}
}

func (b *inotifyBackend) drainPipe() {
	var scratch [64]byte
	for {
		if n, err := unix.Read(b.pipeR, scratch[:]); n <= 0 || err != nil {
			return
		}
	}
}

// parse splits buf into batches of consecutive events sharing a watch
// descriptor.
//
// Each record is a fixed inotify_event header followed by Len bytes of
// NUL-padded name:
//
//	struct inotify_event {
//	    int32_t  wd;
//	    uint32_t mask;
//	    uint32_t cookie;
//	    uint32_t len;
//	    char     name[];
//	}
func (b *inotifyBackend) parse(buf []byte) []batch {
	var out []batch
	for off := 0; off+unix.SizeofInotifyEvent <= len(buf); {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		off += unix.SizeofInotifyEvent

		var name string
		if raw.Len > 0 {
			if off+int(raw.Len) > len(buf) {
				break // truncated record
			}
			name = strings.TrimRight(string(buf[off:off+int(raw.Len)]), "\x00")
			off += int(raw.Len)
		}

		wd, mask := int(raw.Wd), raw.Mask

		if mask&unix.IN_Q_OVERFLOW != 0 {
			out = append(out, overflowBatch())
			continue
		}
		if mask&invalidMask != 0 {
			b.invalid[wd] = true
			out = appendTo(out, wd, nil)
			continue
		}
		if name == "" {
			continue // attribute change on the directory itself
		}

		kind, ok := inotifyKind(mask)
		if !ok {
			continue
		}
		out = appendTo(out, wd, &rawEvent{kind: kind, name: name})
	}
	return out
}

// appendTo adds ev to the trailing batch when it belongs to wd, or opens a
// new batch. A nil ev only guarantees that a batch for wd exists.
func appendTo(out []batch, wd int, ev *rawEvent) []batch {
	if n := len(out); n == 0 || out[n-1].handle != wd {
		out = append(out, batch{handle: wd})
	}
	if ev != nil {
		last := &out[len(out)-1]
		last.events = append(last.events, *ev)
	}
	return out
}

func inotifyKind(mask uint32) (EventKind, bool) {
	switch {
	case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		return Create, true
	case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
		return Delete, true
	case mask&(unix.IN_MODIFY|unix.IN_ATTRIB) != 0:
		return Modify, true
	default:
		return 0, false
	}
}

func (b *inotifyBackend) Reset(handle int) bool {
	if !b.invalid[handle] {
		return true
	}
	delete(b.invalid, handle)
	// EINVAL when the kernel already dropped the watch (IN_IGNORED).
	if _, err := unix.InotifyRmWatch(b.fd, uint32(handle)); err != nil && !errors.Is(err, unix.EINVAL) {
		b.logger.Debug("inotify: rm_watch failed", slog.Int("handle", handle), slog.Any("error", err))
	}
	return false
}

func (b *inotifyBackend) Wake() {
	unix.Write(b.pipeW, []byte{0}) //nolint:errcheck
}

func (b *inotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = errors.Join(unix.Close(b.pipeW), unix.Close(b.pipeR), unix.Close(b.fd))
	})
	return err
}
