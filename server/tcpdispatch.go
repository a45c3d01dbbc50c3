package server

import (
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"

	"github.com/overpass-net/overpass/metrics"
	"github.com/overpass-net/overpass/protocol"
	"github.com/overpass-net/overpass/tunnel"
)

// startTCPListener binds the tunnel's public port and starts relaying
// accepted sockets through the control channel.
func (s *session) startTCPListener(tun *tunnel.Tunnel) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", s.server.cfg.Host, tun.PublicPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go s.acceptLoop(tun, listener)
	return listener, nil
}

func (s *session) acceptLoop(tun *tunnel.Tunnel, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Listener closed during teardown.
			return
		}
		connID := uuid.New().String()
		pc := &publicTCPConn{conn: conn}
		s.tcpMu.Lock()
		s.tcpConns[tcpConnKey(tun.ID, connID)] = pc
		s.tcpMu.Unlock()
		tun.Stats.AddConnection()
		s.log.Debug().Msgf("Accepted public TCP connection %s on port %d", connID, tun.PublicPort)
		go s.pumpPublicConn(tun, connID, pc)
	}
}

// pumpPublicConn reads the public socket and frames each chunk onto the
// control channel. Send blocks when the channel is write-saturated, which
// pauses this reader: that is the per-socket back-pressure.
func (s *session) pumpPublicConn(tun *tunnel.Tunnel, connID string, pc *publicTCPConn) {
	buf := make([]byte, tcpChunkSize)
	for {
		n, err := pc.conn.Read(buf)
		if n > 0 {
			msg := protocol.New(protocol.TypeTCPData)
			msg.TunnelID = tun.ID
			msg.ConnectionID = connID
			msg.Data = protocol.EncodeData(buf[:n])
			if sendErr := s.send(msg); sendErr != nil {
				pc.close()
				return
			}
			tun.Stats.AddBytesIn(uint64(n))
			metrics.RelayedBytes.WithLabelValues("in").Add(float64(n))
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Msgf("Public TCP read on %s: %s", connID, err)
			}
			s.evictTCPConn(tun.ID, connID)
			pc.close()
			closeMsg := protocol.New(protocol.TypeTCPClose)
			closeMsg.TunnelID = tun.ID
			closeMsg.ConnectionID = connID
			_ = s.send(closeMsg)
			return
		}
	}
}

// handleTCPData writes an agent-originated chunk to the public socket.
// Chunks for unknown connections are silently dropped.
func (s *session) handleTCPData(msg *protocol.Message) {
	s.tcpMu.Lock()
	pc, ok := s.tcpConns[tcpConnKey(msg.TunnelID, msg.ConnectionID)]
	s.tcpMu.Unlock()
	if !ok {
		return
	}
	data, err := protocol.DecodeData(msg.Data)
	if err != nil {
		s.log.Warn().Msgf("Dropping tcp_data with bad payload on %s: %s", msg.ConnectionID, err)
		return
	}
	if _, err := pc.conn.Write(data); err != nil {
		s.evictTCPConn(msg.TunnelID, msg.ConnectionID)
		pc.close()
		return
	}
	if tun, found := s.server.registry.LookupID(msg.TunnelID); found {
		tun.Stats.AddBytesOut(uint64(len(data)))
	}
	metrics.RelayedBytes.WithLabelValues("out").Add(float64(len(data)))
}

// handleTCPClose closes the public socket on the agent's signal.
func (s *session) handleTCPClose(msg *protocol.Message) {
	s.tcpMu.Lock()
	pc, ok := s.tcpConns[tcpConnKey(msg.TunnelID, msg.ConnectionID)]
	if ok {
		delete(s.tcpConns, tcpConnKey(msg.TunnelID, msg.ConnectionID))
	}
	s.tcpMu.Unlock()
	if ok {
		pc.close()
	}
}

func (s *session) evictTCPConn(tunnelID, connectionID string) {
	s.tcpMu.Lock()
	delete(s.tcpConns, tcpConnKey(tunnelID, connectionID))
	s.tcpMu.Unlock()
}
