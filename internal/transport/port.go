// Package transport 抽象到代理服务器的单条流式连接
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// Port 单条出站流式连接，不做任何隐式重连
type Port interface {
	// Connect 在timeout内建立连接
	Connect(ctx context.Context, address string, port uint16, timeout time.Duration) error
	// Send 写出完整的缓冲区，内部处理部分写
	Send(data []byte) error
	// Receive 阻塞调用方直到有数据或超时
	Receive(buf []byte, timeout time.Duration) (int, error)
	// Close 释放连接，可重复调用
	Close() error
}

var (
	ErrTimeout      = errors.New("operation timed out")
	ErrRefused      = errors.New("connection refused")
	ErrClosed       = errors.New("connection closed by peer")
	ErrNotConnected = errors.New("transport is not connected")
)

// Error 记录失败的操作与归类后的原因
type Error struct {
	Op  string
	Err error
	// Cause 原始错误，仅用于日志
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause != e.Err {
		return fmt.Sprintf("%s: %v (%v)", e.Op, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify 将底层网络错误归类为 ErrTimeout/ErrRefused/ErrClosed
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return err
	}
	kind := err
	switch {
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		kind = ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ErrRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		kind = ErrClosed
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = ErrTimeout
		}
	}
	return &Error{Op: op, Err: kind, Cause: err}
}

// IsNetClosedError 判断关闭连接时的错误是否可以忽略
func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
