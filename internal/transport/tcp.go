package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
)

// TCPPort 基于主机网络栈的 TCP 连接
type TCPPort struct {
	dialer      net.Dialer
	conn        net.Conn
	connID      string
	sendTimeout time.Duration
}

func NewTCPPort(sendTimeout time.Duration) *TCPPort {
	return &TCPPort{sendTimeout: sendTimeout}
}

func (p *TCPPort) Connect(ctx context.Context, address string, port uint16, timeout time.Duration) error {
	if p.conn != nil {
		_ = p.Close()
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := net.JoinHostPort(address, strconv.Itoa(int(port)))
	conn, err := p.dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return classify("connect "+target, err)
	}
	p.conn = conn
	p.connID = conn.RemoteAddr().String()
	logger.DebugF("[%s] TCP connection established", p.connID)
	return nil
}

func (p *TCPPort) Send(data []byte) error {
	if p.conn == nil {
		return &Error{Op: "send", Err: ErrNotConnected}
	}
	_ = p.conn.SetWriteDeadline(deadline(p.sendTimeout))
	total := 0
	for total < len(data) {
		n, err := p.conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", p.connID, err)
			return classify("send", err)
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to broker", p.connID, total)
	return nil
}

func (p *TCPPort) Receive(buf []byte, timeout time.Duration) (int, error) {
	if p.conn == nil {
		return 0, &Error{Op: "receive", Err: ErrNotConnected}
	}
	_ = p.conn.SetReadDeadline(deadline(timeout))
	n, err := p.conn.Read(buf)
	if err != nil && n == 0 {
		return 0, classify("receive", err)
	}
	return n, nil
}

func (p *TCPPort) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	logger.DebugF("[%s] Connection closed", p.connID)
	p.conn = nil
	if err != nil && !IsNetClosedError(err) {
		return err
	}
	return nil
}
