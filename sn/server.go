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

package sn

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/cloudwego/gopkg/bufiox"
	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/cloudwego/pgasrt/pgasproc"
)

// Handler answers one SN request and returns the body to write back, if
// any (TOPOLOGY's broadcast forwarding and SEG_REGISTER's int status both
// go through this return value).
type Handler func(ctx context.Context, hdr Header, body []byte) (replyHdr Header, replyBody []byte)

// Server is the control-plane listener: one accept loop, one goroutine per
// connection. Handshakes are short-lived, so a goroutine-per-conn style
// fits better here than the transport engine's single-loop design.
type Server struct {
	proc    *pgasproc.Proc
	ln      net.Listener
	handler Handler
}

// NewServer binds addr and installs handler for all incoming requests.
func NewServer(proc *pgasproc.Proc, addr string, handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{proc: proc, ln: ln, handler: handler}, nil
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) {
	gopool.CtxGo(ctx, func() {
		<-ctx.Done()
		_ = s.ln.Close()
	})
	gopool.CtxGo(ctx, func() {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					fmt.Fprintf(os.Stderr, "pgasrt sn: accept failed: %v\n", err)
					return
				}
			}
			gopool.CtxGo(ctx, func() { s.serveConn(ctx, conn) })
		}
	})
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufiox.NewDefaultReader(conn)
	w := bufiox.NewDefaultWriter(conn)

	for {
		hdrBuf, err := r.Next(HeaderSize)
		if err != nil {
			return
		}
		var hdr Header
		hdr.UnmarshalBinary(hdrBuf)

		var body []byte
		if hdr.OpLen > 0 {
			body, err = r.Next(int(hdr.OpLen))
			if err != nil {
				return
			}
		}

		replyHdr, replyBody := s.handler(ctx, hdr, body)
		replyHdr.OpLen = uint32(len(replyBody))

		if _, err := w.WriteBinary(replyHdr.MarshalBinary()); err != nil {
			return
		}
		if len(replyBody) > 0 {
			if _, err := w.WriteBinary(replyBody); err != nil {
				return
			}
		}
		if err := w.Flush(); err != nil {
			return
		}

		if hdr.Op == OpDisconnect {
			return
		}
	}
}
