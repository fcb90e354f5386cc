package session

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/mqtt"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

// receiveSlice 单次 Receive 的最长阻塞时间，两次之间检查 abort
const receiveSlice = 50 * time.Millisecond

var errReceiveAborted = errors.New("receive aborted")

// frameReader 从端口中切分完整的控制报文，跨 Receive 保留残余字节
type frameReader struct {
	port  transport.Port
	buf   []byte
	chunk [256]byte
}

func newFrameReader(port transport.Port) *frameReader {
	return &frameReader{port: port}
}

// next 在timeout内返回下一个完整报文（含固定头部），abort 关闭时立即返回 errReceiveAborted
func (r *frameReader) next(timeout time.Duration, abort <-chan struct{}) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		frame, err := r.split()
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
		select {
		case <-abort:
			return nil, errReceiveAborted
		default:
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &transport.Error{Op: "receive", Err: transport.ErrTimeout}
		}
		n, err := r.port.Receive(r.chunk[:], min(remaining, receiveSlice))
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, r.chunk[:n]...)
	}
}

func (r *frameReader) split() ([]byte, error) {
	if len(r.buf) < 2 {
		return nil, nil
	}
	length, consumed, err := mqtt.DecodeRemainingLengthBytes(r.buf[1:])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("malformed packet from broker: %w", err)
	}
	total := 1 + consumed + length
	if len(r.buf) < total {
		return nil, nil
	}
	frame := make([]byte, total)
	copy(frame, r.buf[:total])
	r.buf = r.buf[total:]
	return frame, nil
}
