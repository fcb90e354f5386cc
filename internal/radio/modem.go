package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"go.bug.st/serial"
)

var (
	ErrCommandFailed = errors.New("modem command failed")
	ErrModemTimeout  = errors.New("modem did not answer in time")
	ErrModemClosed   = errors.New("modem line closed")
)

// Modem 串口上的 ESP-AT 固件，一次只执行一条命令
type Modem struct {
	rw      io.ReadWriteCloser
	cmdLock sync.Mutex

	lines  chan string
	prompt chan struct{}
	data   chan []byte

	linkUp atomic.Bool

	socketLock   sync.Mutex
	socketClosed chan struct{}
	socketOnce   *sync.Once

	done    chan struct{}
	readErr error // 在 done 关闭前写入
	once    sync.Once
}

// OpenModem 打开串口并在ctx内初始化模组（关闭回显、单连接模式）
func OpenModem(ctx context.Context, portName string, baudRate int) (*Modem, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return startModem(ctx, port)
}

// startModem 初始化失败时关闭线路
func startModem(ctx context.Context, rw io.ReadWriteCloser) (*Modem, error) {
	m := NewModem(rw)
	if err := m.Init(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// NewModem 包装已打开的串行线路并启动读协程
func NewModem(rw io.ReadWriteCloser) *Modem {
	m := &Modem{
		rw:     rw,
		lines:  make(chan string, 64),
		prompt: make(chan struct{}, 1),
		data:   make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *Modem) Init(ctx context.Context) error {
	for _, cmd := range []string{"AT", "ATE0", "AT+CIPMUX=0"} {
		if _, err := m.Command(ctx, cmd, 2*time.Second); err != nil {
			return fmt.Errorf("modem init %s: %w", cmd, err)
		}
	}
	return nil
}

func (m *Modem) LinkUp() bool {
	return m.linkUp.Load()
}

// Command 发送一条AT命令并收集响应行，直到 OK 或 ERROR/FAIL
func (m *Modem) Command(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	m.cmdLock.Lock()
	defer m.cmdLock.Unlock()

	m.drainLines()
	logger.DebugF("[modem] > %s", cmd)
	if _, err := m.rw.Write([]byte(cmd + "\r\n")); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModemClosed, err)
	}
	return m.collect(ctx, timeout, "OK")
}

// SendData 使用 AT+CIPSEND 写出一段套接字数据
func (m *Modem) SendData(ctx context.Context, data []byte, timeout time.Duration) error {
	m.cmdLock.Lock()
	defer m.cmdLock.Unlock()

	m.drainLines()
	select {
	case <-m.prompt:
	default:
	}
	if _, err := m.rw.Write([]byte(fmt.Sprintf("AT+CIPSEND=%d\r\n", len(data)))); err != nil {
		return fmt.Errorf("%w: %v", ErrModemClosed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for waiting := true; waiting; {
		select {
		case <-m.prompt:
			waiting = false
		case line := <-m.lines:
			if isFailure(line) {
				return fmt.Errorf("%w: %s", ErrCommandFailed, line)
			}
		case <-timer.C:
			return ErrModemTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return m.closedErr()
		}
	}

	if _, err := m.rw.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrModemClosed, err)
	}
	_, err := m.collect(ctx, timeout, "SEND OK")
	return err
}

func (m *Modem) Close() error {
	var err error
	m.once.Do(func() {
		err = m.rw.Close()
	})
	return err
}

// openSocket 为新的套接字准备关闭通知并丢弃旧连接的残留数据
func (m *Modem) openSocket() <-chan struct{} {
	m.socketLock.Lock()
	defer m.socketLock.Unlock()
drain:
	for {
		select {
		case <-m.data:
		default:
			break drain
		}
	}
	m.socketClosed = make(chan struct{})
	m.socketOnce = &sync.Once{}
	return m.socketClosed
}

func (m *Modem) markSocketClosed() {
	m.socketLock.Lock()
	defer m.socketLock.Unlock()
	if m.socketClosed == nil {
		return
	}
	ch := m.socketClosed
	m.socketOnce.Do(func() { close(ch) })
}

func (m *Modem) collect(ctx context.Context, timeout time.Duration, terminator string) ([]string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var result []string
	for {
		select {
		case line := <-m.lines:
			switch {
			case line == terminator:
				return result, nil
			case isFailure(line):
				result = append(result, line)
				return result, fmt.Errorf("%w: %s", ErrCommandFailed, strings.Join(result, " | "))
			default:
				result = append(result, line)
			}
		case <-timer.C:
			return result, ErrModemTimeout
		case <-ctx.Done():
			return result, ctx.Err()
		case <-m.done:
			return result, m.closedErr()
		}
	}
}

func (m *Modem) drainLines() {
	for {
		select {
		case <-m.lines:
		default:
			return
		}
	}
}

func (m *Modem) closedErr() error {
	if m.readErr != nil {
		return fmt.Errorf("%w: %v", ErrModemClosed, m.readErr)
	}
	return ErrModemClosed
}

func isFailure(line string) bool {
	return line == "ERROR" || line == "FAIL" || line == "SEND FAIL"
}

func (m *Modem) readLoop() {
	defer close(m.done)
	defer m.markSocketClosed()

	reader := bufio.NewReader(m.rw)
	var line []byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			m.readErr = err
			return
		}
		switch {
		case b == ' ' && len(line) == 0:
		case b == '>' && len(line) == 0:
			select {
			case m.prompt <- struct{}{}:
			default:
			}
		case b == ':' && strings.HasPrefix(string(line), "+IPD,"):
			n, err := strconv.Atoi(string(line[len("+IPD,"):]))
			line = line[:0]
			if err != nil || n < 0 {
				logger.WarnF("[modem] Malformed +IPD header, details: %v", err)
				continue
			}
			payload := make([]byte, n)
			if _, err := io.ReadFull(reader, payload); err != nil {
				m.readErr = err
				return
			}
			select {
			case m.data <- payload:
			default:
				logger.WarnF("[modem] Socket buffer full, drop %d bytes", n)
			}
		case b == '\n':
			m.dispatch(strings.TrimSpace(string(line)))
			line = line[:0]
		default:
			line = append(line, b)
		}
	}
}

func (m *Modem) dispatch(line string) {
	if line == "" {
		return
	}
	switch {
	case line == "WIFI DISCONNECT":
		m.linkUp.Store(false)
		logger.Debug("[modem] Wi-Fi disconnected")
		return
	case line == "WIFI CONNECTED" || line == "WIFI GOT IP":
		m.linkUp.Store(true)
		return
	case line == "CLOSED" || strings.HasSuffix(line, ",CLOSED"):
		m.markSocketClosed()
		return
	}
	select {
	case m.lines <- line:
	default:
		logger.WarnF("[modem] Response buffer full, drop line %q", line)
	}
}
