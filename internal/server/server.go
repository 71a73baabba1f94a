// Package server implements CXDB's binary protocol server: one TCP
// listener, one goroutine per accepted connection reading frames, and
// a bounded worker pool that performs the actual storage-engine work
// so a slow digest or compression step never blocks frame reads on
// other connections.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/strongdm/cxdb/internal/cxerr"
	"github.com/strongdm/cxdb/internal/dag"
	"github.com/strongdm/cxdb/internal/metrics"
	"github.com/strongdm/cxdb/internal/protocol"
	"github.com/strongdm/cxdb/internal/turnlog"
)

// Config controls the binary server's network and concurrency
// behavior.
type Config struct {
	BindAddr           string
	MaxConnections     int
	MaxInFlightPerConn int
	Workers            int
	WorkerQueueDepth   int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig matches the deployed defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:9009",
		MaxConnections:     256,
		MaxInFlightPerConn: 32,
		Workers:            8,
		WorkerQueueDepth:   256,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
	}
}

// Server serves the binary protocol over TCP.
type Server struct {
	cfg    Config
	log    *slog.Logger
	engine *dag.Engine
	ops    *metrics.Operations

	listener net.Listener
	dispatch *Dispatcher

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New assembles a Server around an already-opened storage engine.
func New(cfg Config, engine *dag.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    log,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// SetMetrics attaches an operations metric set. Must be called before
// Start; a nil receiver set leaves the server unmetered.
func (s *Server) SetMetrics(ops *metrics.Operations) {
	s.ops = ops
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.dispatch = NewDispatcher(s.cfg.Workers, s.cfg.WorkerQueueDepth)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, drains in-flight work, and returns once
// every connection goroutine has exited. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()
		s.wg.Wait()
		if s.dispatch != nil {
			s.dispatch.Close()
		}
	})
	return nil
}

// Addr returns the listener's bound address, useful when BindAddr
// requested an ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}

		s.connMu.Lock()
		if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
			s.connMu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	if s.ops != nil {
		s.ops.ConnectionOpened()
	}
	defer func() {
		conn.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		if s.ops != nil {
			s.ops.ConnectionClosed()
		}
	}()

	writeMu := &sync.Mutex{}
	// Backpressure: at most MaxInFlightPerConn requests may be
	// dispatched to the worker pool before the read loop pauses.
	inFlight := make(chan struct{}, maxInt(s.cfg.MaxInFlightPerConn, 1))

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}

		inFlight <- struct{}{}
		s.dispatch.Submit(func() {
			defer func() { <-inFlight }()
			reply := s.handleFrame(frame)
			writeMu.Lock()
			defer writeMu.Unlock()
			if s.cfg.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if err := reply.Write(conn); err != nil {
				s.log.Debug("write reply failed", "error", err)
			}
		})
	}
}

func (s *Server) handleFrame(frame protocol.Frame) protocol.Frame {
	requestID := frame.Header.RequestID

	switch frame.Header.Type {
	case protocol.MsgHello:
		if _, err := protocol.DecodeHelloRequest(frame.Payload); err != nil {
			return errFrame(requestID, cxerr.CodeBadRequest, err.Error())
		}
		reply := protocol.HelloReply{ServerVersion: "cxdb", ProtocolVersion: protocol.ProtocolVersion}
		return protocol.NewFrame(protocol.MsgHello, requestID, reply.Encode())

	case protocol.MsgCtxCreate:
		req, err := protocol.DecodeCtxCreateRequest(frame.Payload)
		if err != nil {
			return errFrame(requestID, cxerr.CodeBadRequest, err.Error())
		}
		head, err := s.engine.CreateContext(req.BaseTurnID)
		if s.ops != nil {
			s.ops.RecordContextCreate(err)
		}
		if err != nil {
			return errOf(requestID, err)
		}
		reply := protocol.HeadReply{ContextID: head.ContextID, HeadTurnID: head.HeadTurnID, HeadDepth: head.Depth}
		return protocol.NewFrame(protocol.MsgCtxCreate, requestID, reply.Encode())

	case protocol.MsgCtxFork:
		req, err := protocol.DecodeCtxForkRequest(frame.Payload)
		if err != nil {
			return errFrame(requestID, cxerr.CodeBadRequest, err.Error())
		}
		head, err := s.engine.ForkContext(req.ParentContextID, req.AtTurnID)
		if s.ops != nil {
			s.ops.RecordFork(err)
		}
		if err != nil {
			return errOf(requestID, err)
		}
		reply := protocol.HeadReply{ContextID: head.ContextID, HeadTurnID: head.HeadTurnID, HeadDepth: head.Depth}
		return protocol.NewFrame(protocol.MsgCtxFork, requestID, reply.Encode())

	case protocol.MsgGetHead:
		req, err := protocol.DecodeGetHeadRequest(frame.Payload)
		if err != nil {
			return errFrame(requestID, cxerr.CodeBadRequest, err.Error())
		}
		head, err := s.engine.GetHead(req.ContextID)
		if err != nil {
			return errOf(requestID, err)
		}
		reply := protocol.HeadReply{ContextID: head.ContextID, HeadTurnID: head.HeadTurnID, HeadDepth: head.Depth}
		return protocol.NewFrame(protocol.MsgGetHead, requestID, reply.Encode())

	case protocol.MsgAppend:
		return s.handleAppend(requestID, frame.Payload)

	case protocol.MsgGetLast:
		return s.handleGetLast(requestID, frame.Payload)

	case protocol.MsgGetBlob:
		req, err := protocol.DecodeGetBlobRequest(frame.Payload)
		if err != nil {
			return errFrame(requestID, cxerr.CodeBadRequest, err.Error())
		}
		start := time.Now()
		data, err := s.engine.GetBlob(req.Digest)
		if s.ops != nil {
			s.ops.RecordGetBlob(time.Since(start), err)
		}
		if err != nil {
			return errOf(requestID, err)
		}
		reply := protocol.GetBlobReply{Data: data}
		return protocol.NewFrame(protocol.MsgGetBlob, requestID, reply.Encode())

	default:
		return errFrame(requestID, cxerr.CodeBadRequest, "unknown message type")
	}
}

func (s *Server) handleAppend(requestID uint64, payload []byte) protocol.Frame {
	req, err := protocol.DecodeAppendRequest(payload)
	if err != nil {
		return errFrame(requestID, cxerr.CodeBadRequest, err.Error())
	}

	start := time.Now()
	result, err := s.engine.Append(dag.AppendRequest{
		ContextID:           req.ContextID,
		ParentTurnID:        req.ParentTurnID,
		DeclaredTypeID:      req.DeclaredTypeID,
		DeclaredTypeVersion: req.DeclaredTypeVersion,
		Encoding:            turnlog.Encoding(req.Encoding),
		Compression:         turnlog.Compression(req.Compression),
		UncompressedLen:     req.UncompressedLen,
		PayloadDigest:       req.PayloadDigest,
		Payload:             req.Payload,
		FSRootDigest:        req.FSRootDigest,
		IdempotencyKey:      req.IdempotencyKey,
	})
	if s.ops != nil {
		s.ops.RecordAppend(time.Since(start), result.IdempotentHit, err)
		if cxerr.As(err) == cxerr.CodeConflict {
			s.ops.RecordCASConflict()
		}
	}
	if err != nil {
		return errOf(requestID, err)
	}

	reply := protocol.AppendReply{ContextID: result.ContextID, TurnID: result.TurnID, Depth: result.Depth}
	return protocol.NewFrame(protocol.MsgAppend, requestID, reply.Encode())
}

func (s *Server) handleGetLast(requestID uint64, payload []byte) protocol.Frame {
	req, err := protocol.DecodeGetLastRequest(payload)
	if err != nil {
		return errFrame(requestID, cxerr.CodeBadRequest, err.Error())
	}

	start := time.Now()
	entries, err := s.engine.GetLast(req.ContextID, int(req.Limit))
	if s.ops != nil {
		s.ops.RecordGetLast(time.Since(start), err)
	}
	if err != nil {
		return errOf(requestID, err)
	}
	records := make([]protocol.TurnRecord, 0, len(entries))
	for _, e := range entries {
		rec := protocol.TurnRecord{
			TurnID:              e.TurnID,
			ParentTurnID:        e.ParentTurnID,
			Depth:               e.Depth,
			DeclaredTypeID:      e.DeclaredTypeID,
			DeclaredTypeVersion: e.DeclaredTypeVersion,
			Encoding:            uint32(e.PayloadEncoding),
			Compression:         uint32(e.PayloadCompression),
			UncompressedLen:     e.PayloadUncompressedLen,
			PayloadDigest:       e.PayloadDigest,
		}
		if req.IncludePayload {
			data, err := s.engine.GetBlob(e.PayloadDigest)
			if err != nil {
				return errOf(requestID, err)
			}
			rec.Payload = data
		}
		records = append(records, rec)
	}

	reply := protocol.GetLastReply{Records: records}
	return protocol.NewFrame(protocol.MsgGetLast, requestID, reply.Encode())
}

func errOf(requestID uint64, err error) protocol.Frame {
	var e *cxerr.Error
	if errors.As(err, &e) {
		return errFrame(requestID, e.Code, e.Detail)
	}
	return errFrame(requestID, cxerr.CodeInternal, err.Error())
}

func errFrame(requestID uint64, code cxerr.Code, detail string) protocol.Frame {
	reply := protocol.ErrorReply{Code: uint32(code), Detail: detail}
	return protocol.NewFrame(protocol.MsgError, requestID, reply.Encode())
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
