package agent

import (
	"io"
	"net"
	"time"

	"github.com/overpass-net/overpass/protocol"
)

const (
	originDialTimeout = 5 * time.Second
	tcpChunkSize      = 32 * 1024
)

// handleTCPData relays one inbound chunk to the origin socket. The first
// chunk for an unknown connection id dials the origin lazily.
func (l *link) handleTCPData(msg *protocol.Message) {
	key := originKey(msg.TunnelID, msg.ConnectionID)

	oc, ok := l.originByKey(key)
	if !ok {
		cfg, known := l.tunnelByID(msg.TunnelID)
		if !known {
			l.log.Warn().Msgf("Dropping tcp_data for unknown tunnel %s", msg.TunnelID)
			l.sendTCPClose(msg.TunnelID, msg.ConnectionID)
			return
		}
		conn, err := net.DialTimeout("tcp", cfg.LocalAddress(), originDialTimeout)
		if err != nil {
			l.log.Warn().Msgf("Could not reach origin %s: %s", cfg.LocalAddress(), err)
			l.sendTCPClose(msg.TunnelID, msg.ConnectionID)
			return
		}
		oc = &originConn{conn: conn}
		l.originsMu.Lock()
		l.origins[key] = oc
		l.originsMu.Unlock()
		go l.pumpOrigin(msg.TunnelID, msg.ConnectionID, key, oc)
	}

	data, err := protocol.DecodeData(msg.Data)
	if err != nil {
		l.log.Warn().Msgf("Dropping undecodable tcp_data on %s: %s", key, err)
		return
	}
	if len(data) == 0 {
		return
	}
	if _, err := oc.conn.Write(data); err != nil {
		l.evictOrigin(key)
		oc.close()
		l.sendTCPClose(msg.TunnelID, msg.ConnectionID)
	}
}

// handleTCPClose tears down the origin socket for a finished sub-connection.
func (l *link) handleTCPClose(msg *protocol.Message) {
	key := originKey(msg.TunnelID, msg.ConnectionID)
	oc, ok := l.originByKey(key)
	if !ok {
		return
	}
	l.evictOrigin(key)
	oc.close()
}

// pumpOrigin copies origin bytes back over the control channel until the
// origin closes. The blocking send applies the channel's back-pressure to
// the origin read loop.
func (l *link) pumpOrigin(tunnelID, connectionID, key string, oc *originConn) {
	buf := make([]byte, tcpChunkSize)
	for {
		n, err := oc.conn.Read(buf)
		if n > 0 {
			msg := protocol.New(protocol.TypeTCPData)
			msg.TunnelID = tunnelID
			msg.ConnectionID = connectionID
			msg.Data = protocol.EncodeData(buf[:n])
			if sendErr := l.send(msg); sendErr != nil {
				oc.close()
				l.evictOrigin(key)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				l.log.Debug().Msgf("Origin read on %s ended: %s", key, err)
			}
			oc.close()
			if l.evictOrigin(key) {
				l.sendTCPClose(tunnelID, connectionID)
			}
			return
		}
	}
}

func (l *link) originByKey(key string) (*originConn, bool) {
	l.originsMu.Lock()
	defer l.originsMu.Unlock()
	oc, ok := l.origins[key]
	return oc, ok
}

// evictOrigin removes the connection from the index and reports whether it
// was still present, so close notifications fire exactly once.
func (l *link) evictOrigin(key string) bool {
	l.originsMu.Lock()
	defer l.originsMu.Unlock()
	if _, ok := l.origins[key]; !ok {
		return false
	}
	delete(l.origins, key)
	return true
}

func (l *link) sendTCPClose(tunnelID, connectionID string) {
	msg := protocol.New(protocol.TypeTCPClose)
	msg.TunnelID = tunnelID
	msg.ConnectionID = connectionID
	_ = l.send(msg)
}
