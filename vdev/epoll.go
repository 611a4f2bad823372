// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vdev

import "golang.org/x/sys/unix"

// interest is the set of events the engine wants to be woken for on a
// given fd. Unlike connstate's poller (which arms a conn once for its
// whole lifetime, interested only in HUP/ERR), the transport engine must
// dynamically arm and disarm EPOLLOUT as a peer's write half transitions
// between idle and mid-send — so it reaches for golang.org/x/sys/unix
// rather than raw syscall constants.
type interest uint32

const (
	interestRead  interest = unix.EPOLLIN
	interestWrite interest = unix.EPOLLOUT
	interestErr   interest = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

// poller wraps one epoll instance for the engine's single event loop.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) add(fd int, want interest) error {
	ev := unix.EpollEvent{Events: uint32(want | interestErr), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) modify(fd int, want interest) error {
	ev := unix.EpollEvent{Events: uint32(want | interestErr), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	return unix.EpollWait(p.epfd, events, timeoutMs)
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
