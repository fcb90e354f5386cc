// Package server 实现一个只接收 QoS 0 发布的台架代理，用于在没有正式代理时调试节点
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/packet"
)

// maxConnections 同时处理的连接上限
const maxConnections = 64

// Message 代理收到的一条发布
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler 处理收到的发布，在连接协程中调用
type Handler func(Message)

type Broker struct {
	handler Handler
	sem     chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewBroker(handler Handler) *Broker {
	if handler == nil {
		handler = func(m Message) {
			logger.InfoF("[%s] %s %s", m.ClientID, m.Topic, m.Payload)
		}
	}
	return &Broker{
		handler: handler,
		sem:     make(chan struct{}, maxConnections),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve 在ln上接受连接直到ctx结束，返回前关闭所有连接
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	logger.InfoF("Bench broker listening on %s", ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		b.mu.Lock()
		for conn := range b.conns {
			_ = conn.Close()
		}
		b.mu.Unlock()
	}()
	defer b.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}
		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		b.sem <- struct{}{}
		b.track(conn, true)
		if ctx.Err() != nil {
			_ = conn.Close()
		}
		b.wg.Add(1)
		go func(c net.Conn) {
			defer b.wg.Done()
			b.handleConnection(c)
			b.track(c, false)
			<-b.sem
		}(conn)
	}
}

// ListenAndServe 监听address并服务直到ctx结束
func (b *Broker) ListenAndServe(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return b.Serve(ctx, ln)
}

func (b *Broker) track(conn net.Conn, add bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if add {
		b.conns[conn] = struct{}{}
	} else {
		delete(b.conns, conn)
	}
}

func (b *Broker) handleConnection(conn net.Conn) {
	connID := conn.RemoteAddr().String()
	defer func() {
		logger.DebugF("[%s] Connection closed", connID)
		if err := conn.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", connID, err)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
	first, err := packets.ReadPacket(conn)
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", connID, err)
		return
	}
	connect, ok := first.(*packets.ConnectPacket)
	if !ok {
		logger.ErrorF("[%s] Invalid first packet type, expected CONNECT packet, but got %s", connID, first.String())
		return
	}
	code := packet.ConnectRespType(connect.Validate())
	if err := send(conn, packet.NewConnectAckPacket(false, code), connID); err != nil {
		return
	}
	if code != packet.Accepted {
		logger.WarnF("[%s] Rejected CONNECT from %q: %s", connID, connect.ClientIdentifier, code)
		return
	}
	clientID := connect.ClientIdentifier
	logger.InfoF("[%s] Client %s connected, keep alive %ds", connID, clientID, connect.Keepalive)

	keepAlive := time.Duration(connect.Keepalive) * time.Second
	for {
		// 1.5 倍 keep-alive 内没有任何报文视为客户端失联
		if keepAlive > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(keepAlive * 3 / 2))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}

		cp, err := packets.ReadPacket(conn)
		if err != nil {
			handleReadError(connID, err)
			return
		}

		switch p := cp.(type) {
		case *packets.PublishPacket:
			if p.Qos != 0 {
				logger.WarnF("[%s] QoS %d PUBLISH has not been supported", connID, p.Qos)
				return
			}
			b.handler(Message{ClientID: clientID, Topic: p.TopicName, Payload: p.Payload})
		case *packets.PingreqPacket:
			if err := send(conn, packet.NewPingRespPacket(), connID); err != nil {
				logger.WarnF("[%s] Fail to send PINGRESP packet, details: %v", connID, err)
				return
			}
		case *packets.DisconnectPacket:
			logger.InfoF("[%s] Client %s disconnect", connID, clientID)
			return
		case *packets.ConnectPacket:
			logger.ErrorF("[%s] Duplicate CONNECT package", connID)
			return
		default:
			logger.WarnF("[%s] %s package has not been supported", connID, cp.String())
			return
		}
	}
}

func send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}

func isNetClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func handleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case isNetClosedError(err):
		logger.DebugF("[%s] Connection closed by broker", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
