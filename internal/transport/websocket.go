package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
)

// WebSocketPort 通过 WebSocket 二进制帧承载 MQTT 字节流（子协议 "mqtt"）
// 读超时后 gorilla 连接不可再读，因此由 readLoop 独占读取，Receive 只等待通道
type WebSocketPort struct {
	path        string
	sendTimeout time.Duration
	conn        *websocket.Conn
	connID      string
	inbound     chan []byte
	readErr     chan error
	done        chan struct{}
	buf         []byte
	bufOffset   int
}

func NewWebSocketPort(path string, sendTimeout time.Duration) *WebSocketPort {
	if path == "" {
		path = "/mqtt"
	}
	return &WebSocketPort{path: path, sendTimeout: sendTimeout}
}

func (p *WebSocketPort) Connect(ctx context.Context, address string, port uint16, timeout time.Duration) error {
	if p.conn != nil {
		_ = p.Close()
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(address, strconv.Itoa(int(port))),
		Path:   p.path,
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{"mqtt"},
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &Error{Op: "connect " + u.String(), Err: ErrRefused, Cause: fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)}
		}
		return classify("connect "+u.String(), err)
	}
	p.conn = conn
	p.connID = u.Host
	p.buf = nil
	p.bufOffset = 0
	p.inbound = make(chan []byte, 16)
	p.readErr = make(chan error, 1)
	p.done = make(chan struct{})
	go p.readLoop(conn, p.inbound, p.readErr, p.done)
	logger.DebugF("[%s] WebSocket connection established, subprotocol %q", p.connID, conn.Subprotocol())
	return nil
}

func (p *WebSocketPort) Send(data []byte) error {
	if p.conn == nil {
		return &Error{Op: "send", Err: ErrNotConnected}
	}
	_ = p.conn.SetWriteDeadline(deadline(p.sendTimeout))
	// 一帧即完整写出，不存在部分写
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		logger.ErrorF("[%s] Fail to send data, details: %v", p.connID, err)
		return p.classify("send", err)
	}
	logger.DebugF("[%s] Send %d bytes to broker", p.connID, len(data))
	return nil
}

func (p *WebSocketPort) Receive(buf []byte, timeout time.Duration) (int, error) {
	if p.conn == nil {
		return 0, &Error{Op: "receive", Err: ErrNotConnected}
	}

	// 优先返回上一帧剩余的数据
	if p.bufOffset < len(p.buf) {
		n := copy(buf, p.buf[p.bufOffset:])
		p.bufOffset += n
		return n, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-p.inbound:
		p.buf = data
		n := copy(buf, p.buf)
		p.bufOffset = n
		return n, nil
	case err := <-p.readErr:
		// 出错前已到达的帧优先
		select {
		case data := <-p.inbound:
			p.readErr <- err
			p.buf = data
			n := copy(buf, p.buf)
			p.bufOffset = n
			return n, nil
		default:
		}
		// 保留错误，后续 Receive 得到相同结果
		p.readErr <- err
		return 0, p.classify("receive", err)
	case <-timer.C:
		return 0, &Error{Op: "receive", Err: ErrTimeout}
	}
}

// readLoop 持续读取二进制帧直到连接出错
func (p *WebSocketPort) readLoop(conn *websocket.Conn, inbound chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case inbound <- data:
		case <-done:
			return
		}
	}
}

func (p *WebSocketPort) Close() error {
	if p.conn == nil {
		return nil
	}
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	close(p.done)
	err := p.conn.Close()
	logger.DebugF("[%s] Connection closed", p.connID)
	p.conn = nil
	p.buf = nil
	if err != nil && !IsNetClosedError(err) {
		return err
	}
	return nil
}

func (p *WebSocketPort) classify(op string, err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &Error{Op: op, Err: ErrClosed, Cause: err}
	}
	return classify(op, err)
}
