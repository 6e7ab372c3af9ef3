// Package ipcserver accepts local stream-socket connections, decodes
// inbound batches of messages-to-devices, sends the cached devices-list
// bootstrap frame to each newly accepted connection, and broadcasts
// device-originated frames to every connected client.
package ipcserver

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ironpi/spi-hub/internal/ipcframe"
	"github.com/ironpi/spi-hub/internal/logging"
	"github.com/ironpi/spi-hub/internal/rdkutils"
)

const lengthPrefixSize = 4

// OnFrame is called with every message successfully parsed out of one
// inbound frame — even when the frame was aborted partway by a
// malformed sub-record, per spec: already-parsed sub-records are still
// enqueued.
type OnFrame func(msgs []ipcframe.Message)

// client is one connected peer. id is log-correlation only, never sent
// on the wire.
type client struct {
	id   uuid.UUID
	conn net.Conn
	mu   sync.Mutex // serializes writes from concurrent broadcasters
}

func (c *client) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prefix [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := c.conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(payload)
	return err
}

// Server is the IPC accept loop and client registry.
type Server struct {
	logger  logging.Logger
	onFrame OnFrame

	mu          sync.Mutex
	clients     map[*client]struct{}
	devicesList []byte // cached bootstrap frame; nil until built
}

// NewServer returns a Server that reports decoded inbound messages to
// onFrame. onFrame must not block on anything the IPC read loop
// depends on.
func NewServer(logger logging.Logger, onFrame OnFrame) *Server {
	return &Server{
		logger:  logger,
		onFrame: onFrame,
		clients: make(map[*client]struct{}),
	}
}

// SetDevicesList caches the devices-list frame sent to every new
// connection from now on. Connections accepted before the first call
// receive nothing (per spec: "if one exists yet").
func (s *Server) SetDevicesList(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devicesList = frame
}

func (s *Server) snapshotDevicesList() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devicesList
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// Broadcast sends frame to every currently-connected client.
// Per-client send failures are logged and otherwise ignored.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(frame); err != nil {
			s.logger.Warnw("ipc broadcast to client failed", "client", c.id, "err", err)
		}
	}
}

// AcceptLoop returns a worker function that accepts connections on ln
// until ctx is done. Every accepted connection's reader and the
// listener's own shutdown hook are registered on workers so
// StoppableWorkers.Stop tears everything down deterministically.
func (s *Server) AcceptLoop(ln net.Listener, workers rdkutils.StoppableWorkers) func(context.Context) {
	return func(ctx context.Context) {
		workers.AddWorkers(func(workerCtx context.Context) {
			<-workerCtx.Done()
			ln.Close()
		})

		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Errorw("ipc accept failed", "err", err)
				return
			}
			s.handleConn(conn, workers)
		}
	}
}

func (s *Server) handleConn(conn net.Conn, workers rdkutils.StoppableWorkers) {
	c := &client{id: uuid.New(), conn: conn}
	s.addClient(c)
	s.logger.Infow("ipc client connected", "client", c.id)

	if frame := s.snapshotDevicesList(); frame != nil {
		if err := c.send(frame); err != nil {
			s.logger.Warnw("send devices list failed", "client", c.id, "err", err)
		}
	}

	workers.AddWorkers(
		func(workerCtx context.Context) {
			<-workerCtx.Done()
			conn.Close()
		},
		func(context.Context) {
			defer s.removeClient(c)
			defer conn.Close()
			s.readLoop(c)
		},
	)
}

func (s *Server) readLoop(c *client) {
	for {
		payload, err := readFrame(c.conn)
		if err != nil {
			if !isExpectedCloseErr(err) {
				s.logger.Warnw("ipc read failed", "client", c.id, "err", err)
			}
			s.logger.Infow("ipc client disconnected", "client", c.id)
			return
		}

		msgs, err := ipcframe.DecodeInbound(payload)
		if err != nil {
			s.logger.Warnw("ipc inbound frame decode error", "client", c.id, "err", err)
		}
		if len(msgs) > 0 && s.onFrame != nil {
			s.onFrame(msgs)
		}
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func isExpectedCloseErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
