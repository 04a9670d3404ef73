/*
   Copyright 2024 the plex authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package rpcserver implements spec.md section 4.5: a server that reads
// frames off one duplex, dispatches to a user-supplied handler implementing
// any subset of {Get, Put, Del, Append, Scan}, and writes responses back.
package rpcserver

import (
	"context"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/neonloom/plex/duplex"
	"github.com/neonloom/plex/internal/envcfg"
	"github.com/neonloom/plex/rpcwire"
)

// Getter, Putter, Deleter, Appender and Scanner are the optional per-method
// capabilities a handler may implement. A Server dispatches only to the
// interfaces the handler actually satisfies (spec section 4.5's "any
// subset").
type Getter interface {
	Get(ctx context.Context, req rpcwire.GetRequest) (rpcwire.Envelope, error)
}

type Putter interface {
	Put(ctx context.Context, req rpcwire.PutRequest) (rpcwire.Envelope, error)
}

type Deleter interface {
	Del(ctx context.Context, req rpcwire.DelRequest) (rpcwire.Envelope, error)
}

type Appender interface {
	Append(ctx context.Context, req rpcwire.AppendRequest) (rpcwire.Envelope, error)
}

// Scanner returns a ScanIterator rather than a single Envelope, matching
// spec section 4.4's "each non-terminal response carries one envelope
// describing one row".
type Scanner interface {
	Scan(ctx context.Context, req rpcwire.ScanRequest) (ScanIterator, error)
}

// ScanIterator yields successive row envelopes. Next returns io.EOF-style
// done=true on clean completion; Close requests early termination (the
// server calls it on cancel).
type ScanIterator interface {
	Next(ctx context.Context) (env rpcwire.Envelope, done bool, err error)
	Close()
}

// Option configures a Server at construction.
type Option func(*Server)

// WithMaxRequestBytes overrides the oversized-payload threshold (spec
// section 4.5, default 256 KiB).
func WithMaxRequestBytes(n int) Option {
	return func(s *Server) { s.maxRequestBytes = n }
}

// WithMaxInflight overrides the server route limit (spec section 4.5,
// default 256; 0 disables).
func WithMaxInflight(n int) Option {
	return func(s *Server) { s.maxInflight = n }
}

// WithClock overrides the server's clock. The server arms no timers of its
// own, so the stored clock is not read by any server code path.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Server) { s.log = l }
}

// WithRPCTrace enables PLEX_RPC_TRACE-equivalent Trace-level logging of
// every frame received and responded with.
func WithRPCTrace(enabled bool) Option { return func(s *Server) { s.rpcTrace = enabled } }

// WithConfig seeds every tunable from cfg in one call, for callers that
// already hold a resolved *envcfg.Config.
func WithConfig(cfg *envcfg.Config) Option {
	return func(s *Server) {
		s.maxRequestBytes = cfg.MaxRequestBytes
		s.maxInflight = cfg.MaxServerRoutes
		s.rpcTrace = cfg.RPCTrace
		s.traceLog, s.traceCloser = envcfg.TraceLogger(s.log, cfg.RPCTracePath)
	}
}

type inflightEntry struct {
	methodID  rpcwire.MethodID
	cancelled bool
	cancel    func()
}

// Server dispatches RPC frames read from one duplex to a handler.
type Server struct {
	d       *duplex.Duplex
	handler any

	maxRequestBytes int
	maxInflight     int
	rpcTrace        bool
	clock           clockwork.Clock
	log             *logrus.Entry
	traceLog        *logrus.Entry
	traceCloser     io.Closer

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[uint32]*inflightEntry
	writeMu  sync.Mutex

	done chan struct{}
}

// New builds a Server over d dispatching to handler, defaulting its
// tunables from envcfg.Default() (spec.md section 6's PLEX_RPC_* variables)
// before applying opts. Serve must be called to start reading frames.
func New(d *duplex.Duplex, handler any, opts ...Option) *Server {
	cfg := envcfg.Default()
	log := logrus.WithField("component", "rpcserver")
	traceLog, traceCloser := envcfg.TraceLogger(log, cfg.RPCTracePath)
	s := &Server{
		d:               d,
		handler:         handler,
		maxRequestBytes: cfg.MaxRequestBytes,
		maxInflight:     cfg.MaxServerRoutes,
		rpcTrace:        cfg.RPCTrace,
		clock:           clockwork.NewRealClock(),
		log:             log,
		traceLog:        traceLog,
		traceCloser:     traceCloser,
		inflight:        make(map[uint32]*inflightEntry),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxInflight > 0 {
		s.sem = semaphore.NewWeighted(int64(s.maxInflight))
	}
	return s
}

// Serve starts the read loop in a background goroutine and returns
// immediately. It installs transport-teardown handling per spec section
// 4.5: on close/destroy every inflight entry's cancel is invoked.
func (s *Server) Serve() {
	s.d.OnClose(s.teardown)
	s.d.OnDestroy(func(error) { s.teardown() })
	go s.readLoop()
}

// Close stops serving and cancels every inflight request.
func (s *Server) Close() error {
	s.teardown()
	if s.traceCloser != nil {
		_ = s.traceCloser.Close()
	}
	return s.d.Close()
}

func (s *Server) teardown() {
	s.mu.Lock()
	entries := make([]*inflightEntry, 0, len(s.inflight))
	for _, e := range s.inflight {
		entries = append(entries, e)
	}
	s.inflight = make(map[uint32]*inflightEntry)
	s.mu.Unlock()

	for _, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Server) readLoop() {
	for {
		msg, err := s.d.ReadMessage()
		if err != nil {
			return
		}
		frame, err := rpcwire.DecodeFrame(msg)
		if err != nil {
			s.log.WithError(err).Debug("rpcserver: dropping undecodable frame")
			continue
		}
		if s.rpcTrace {
			s.traceLog.WithFields(logrus.Fields{"rid": frame.RID, "type": frame.Type, "method": frame.MethodID}).Trace("rpcserver: received frame")
		}
		switch frame.Type {
		case rpcwire.FrameRequest:
			s.handleRequest(frame)
		case rpcwire.FrameCancel:
			s.handleCancel(frame)
		default:
			s.log.WithField("type", frame.Type).Debug("rpcserver: ignoring unexpected frame type")
		}
	}
}

func (s *Server) handleCancel(frame rpcwire.Frame) {
	s.mu.Lock()
	e, ok := s.inflight[frame.RID]
	if ok {
		e.cancelled = true
	}
	s.mu.Unlock()
	if ok && e.cancel != nil {
		e.cancel()
	}
}

func (s *Server) handleRequest(frame rpcwire.Frame) {
	if len(frame.Payload) > s.maxRequestBytes {
		s.sendTerminal(frame.RID, frame.MethodID, rpcwire.ErrEnvelope(rpcwire.CodePayloadTooLarge, "payload too large"))
		return
	}

	if s.sem != nil && !s.sem.TryAcquire(1) {
		s.sendTerminal(frame.RID, frame.MethodID, rpcwire.ErrEnvelope(rpcwire.CodeNotReady, "too many in-flight requests"))
		_ = s.d.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &inflightEntry{methodID: frame.MethodID, cancel: cancel}
	s.mu.Lock()
	s.inflight[frame.RID] = entry
	s.mu.Unlock()

	go func() {
		defer func() {
			if s.sem != nil {
				s.sem.Release(1)
			}
		}()
		defer cancel()
		s.dispatch(ctx, frame, entry)
	}()
}

func (s *Server) dispatch(ctx context.Context, frame rpcwire.Frame, entry *inflightEntry) {
	switch frame.MethodID {
	case rpcwire.MethodGet:
		s.dispatchUnary(ctx, frame, entry, func() (rpcwire.Envelope, error) {
			h, ok := s.handler.(Getter)
			if !ok {
				return rpcwire.Envelope{}, unknownMethodErr("")
			}
			req, err := rpcwire.DecodeGetRequest(frame.Payload)
			if err != nil {
				return rpcwire.Envelope{}, badPayloadErr
			}
			return h.Get(ctx, req)
		})
	case rpcwire.MethodPut:
		s.dispatchUnary(ctx, frame, entry, func() (rpcwire.Envelope, error) {
			h, ok := s.handler.(Putter)
			if !ok {
				return rpcwire.Envelope{}, unknownMethodErr("")
			}
			req, err := rpcwire.DecodePutRequest(frame.Payload)
			if err != nil {
				return rpcwire.Envelope{}, badPayloadErr
			}
			return h.Put(ctx, req)
		})
	case rpcwire.MethodDel:
		s.dispatchUnary(ctx, frame, entry, func() (rpcwire.Envelope, error) {
			h, ok := s.handler.(Deleter)
			if !ok {
				return rpcwire.Envelope{}, unknownMethodErr("")
			}
			req, err := rpcwire.DecodeDelRequest(frame.Payload)
			if err != nil {
				return rpcwire.Envelope{}, badPayloadErr
			}
			return h.Del(ctx, req)
		})
	case rpcwire.MethodAppend:
		s.dispatchUnary(ctx, frame, entry, func() (rpcwire.Envelope, error) {
			h, ok := s.handler.(Appender)
			if !ok {
				return rpcwire.Envelope{}, unknownMethodErr("")
			}
			req, err := rpcwire.DecodeAppendRequest(frame.Payload)
			if err != nil {
				return rpcwire.Envelope{}, badPayloadErr
			}
			return h.Append(ctx, req)
		})
	case rpcwire.MethodScan:
		s.dispatchScan(ctx, frame, entry)
	default:
		s.sendTerminal(frame.RID, frame.MethodID, rpcwire.ErrEnvelope(rpcwire.CodeUnknown, "unknown method"))
	}
	s.removeInflight(frame.RID)
}

type methodErr struct{ message string }

func (e methodErr) Error() string { return e.message }

var badPayloadErr = methodErr{"Bad request payload"}

func unknownMethodErr(msg string) error {
	if msg == "" {
		msg = "Unknown method"
	}
	return methodErr{msg}
}

func (s *Server) dispatchUnary(ctx context.Context, frame rpcwire.Frame, entry *inflightEntry, call func() (rpcwire.Envelope, error)) {
	env, err := call()
	if s.isCancelled(entry) {
		return
	}
	if err != nil {
		env = envelopeFromError(err)
	}
	s.write(rpcwire.Frame{Type: rpcwire.FrameResponse, RID: frame.RID, MethodID: frame.MethodID, More: false, Payload: env.Encode()})
}

func (s *Server) dispatchScan(ctx context.Context, frame rpcwire.Frame, entry *inflightEntry) {
	h, ok := s.handler.(Scanner)
	if !ok {
		s.sendTerminal(frame.RID, frame.MethodID, rpcwire.ErrEnvelope(rpcwire.CodeUnknown, "Scan not supported"))
		return
	}
	req, err := rpcwire.DecodeScanRequest(frame.Payload)
	if err != nil {
		s.sendTerminal(frame.RID, frame.MethodID, rpcwire.ErrEnvelope(rpcwire.CodeUnknown, "Bad request payload"))
		return
	}
	it, err := h.Scan(ctx, req)
	if err != nil {
		if s.isCancelled(entry) {
			return
		}
		s.sendTerminal(frame.RID, frame.MethodID, envelopeFromError(err))
		return
	}

	s.mu.Lock()
	prevCancel := entry.cancel
	entry.cancel = func() {
		prevCancel()
		it.Close()
	}
	s.mu.Unlock()

	for {
		if s.isCancelled(entry) {
			it.Close()
			return
		}
		env, done, err := it.Next(ctx)
		if err != nil {
			if s.isCancelled(entry) {
				return
			}
			s.sendTerminal(frame.RID, frame.MethodID, envelopeFromError(err))
			return
		}
		if done {
			if s.isCancelled(entry) {
				return
			}
			s.sendTerminal(frame.RID, frame.MethodID, rpcwire.Envelope{})
			return
		}
		if s.isCancelled(entry) {
			it.Close()
			return
		}
		s.sendMore(frame.RID, frame.MethodID, env)
	}
}

func envelopeFromError(err error) rpcwire.Envelope {
	if code, ok := err.(rpcwire.Code); ok {
		return rpcwire.ErrEnvelope(code, code.Error())
	}
	return rpcwire.ErrEnvelope(rpcwire.CodeUnknown, err.Error())
}

func (s *Server) isCancelled(e *inflightEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.cancelled
}

func (s *Server) removeInflight(rid uint32) {
	s.mu.Lock()
	delete(s.inflight, rid)
	s.mu.Unlock()
}

func (s *Server) sendMore(rid uint32, methodID rpcwire.MethodID, env rpcwire.Envelope) {
	s.write(rpcwire.Frame{Type: rpcwire.FrameResponse, RID: rid, MethodID: methodID, More: true, Payload: env.Encode()})
}

func (s *Server) sendTerminal(rid uint32, methodID rpcwire.MethodID, env rpcwire.Envelope) {
	var payload []byte
	if env.OK || env.Code != "" || env.Message != "" {
		payload = env.Encode()
	}
	s.write(rpcwire.Frame{Type: rpcwire.FrameResponse, RID: rid, MethodID: methodID, More: false, Payload: payload})
}

func (s *Server) write(frame rpcwire.Frame) {
	if s.rpcTrace {
		s.traceLog.WithFields(logrus.Fields{"rid": frame.RID, "type": frame.Type, "more": frame.More}).Trace("rpcserver: sending frame")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.d.Write(frame.Encode()); err != nil {
		s.log.WithError(err).Debug("rpcserver: write failed")
	}
}
