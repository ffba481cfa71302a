//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller with a self-pipe for wake-ups.

package reactor

import (
	"golang.org/x/sys/unix"
)

const oneShotInput = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// epollPoller is an epoll-based multiplexer.
type epollPoller struct {
	epfd int
	pipe [2]int
	raw  []unix.EpollEvent
}

// newPoller constructs the platform-specific poller for Linux.
func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	p := &epollPoller{epfd: epfd}
	if err := unix.Pipe2(p.pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.pipe[0])}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.pipe[0], ev); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *epollPoller) add(fd int) error {
	ev := &unix.EpollEvent{Events: oneShotInput, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) rearm(fd int) error {
	ev := &unix.EpollEvent{Events: oneShotInput, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		// Already closed by its owner; the kernel dropped it.
		return nil
	}
	return err
}

func (p *epollPoller) wait(events []pollEvent, timeoutMs int) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		var ev Events
		if raw[i].Events&unix.EPOLLIN != 0 {
			ev |= EventRead
		}
		if raw[i].Events&unix.EPOLLERR != 0 {
			ev |= EventError
		}
		if raw[i].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ev |= EventHangup
		}
		events[i] = pollEvent{fd: int(raw[i].Fd), ev: ev}
	}
	return n, nil
}

func (p *epollPoller) isWake(fd int) bool { return fd == p.pipe[0] }

func (p *epollPoller) wake() error {
	_, err := unix.Write(p.pipe[1], []byte{1})
	if err == unix.EAGAIN {
		// Pipe already full: a wake-up is pending anyway.
		return nil
	}
	return err
}

func (p *epollPoller) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.pipe[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *epollPoller) close() error {
	unix.Close(p.pipe[0])
	unix.Close(p.pipe[1])
	return unix.Close(p.epfd)
}
