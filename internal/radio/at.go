package radio

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

// ATRadio 通过 ESP-AT 串口模组完成关联与租约
type ATRadio struct {
	modem        *Modem
	sendTimeout  time.Duration
	pollInterval time.Duration
}

func NewATRadio(modem *Modem, sendTimeout time.Duration) *ATRadio {
	return &ATRadio{
		modem:        modem,
		sendTimeout:  sendTimeout,
		pollInterval: 500 * time.Millisecond,
	}
}

func (r *ATRadio) Associate(ctx context.Context, ssid, credentials string) error {
	if _, err := r.modem.Command(ctx, "AT+CWMODE=1", 2*time.Second); err != nil {
		return fmt.Errorf("%w: %v", ErrAssociation, err)
	}
	cmd := fmt.Sprintf(`AT+CWJAP="%s","%s"`, escapeAT(ssid), escapeAT(credentials))
	lines, err := r.modem.Command(ctx, cmd, remaining(ctx, 20*time.Second))
	if err != nil {
		for _, line := range lines {
			// +CWJAP:<code>，2 为密码错误
			if strings.TrimSpace(strings.TrimPrefix(line, "+CWJAP:")) == "2" {
				return fmt.Errorf("%w: %s", ErrBadCredentials, ssid)
			}
		}
		return fmt.Errorf("%w: %v", ErrAssociation, err)
	}
	r.modem.linkUp.Store(true)
	return nil
}

func (r *ATRadio) IsLinkUp() bool {
	return r.modem.LinkUp()
}

func (r *ATRadio) RequestLease(ctx context.Context) (NetworkAddress, error) {
	for {
		addr, err := r.queryStation(ctx)
		if err == nil {
			return addr, nil
		}
		logger.DebugF("[radio] Lease not ready, details: %v", err)
		select {
		case <-ctx.Done():
			return NetworkAddress{}, fmt.Errorf("%w: %v", ErrLeaseTimeout, ctx.Err())
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *ATRadio) queryStation(ctx context.Context) (NetworkAddress, error) {
	lines, err := r.modem.Command(ctx, "AT+CIPSTA?", remaining(ctx, 2*time.Second))
	if err != nil {
		return NetworkAddress{}, err
	}
	var ip, gateway, mask netip.Addr
	for _, line := range lines {
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "+CIPSTA:"), ":")
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(strings.Trim(value, `"`))
		if err != nil {
			continue
		}
		switch key {
		case "ip":
			ip = addr
		case "gateway":
			gateway = addr
		case "netmask":
			mask = addr
		}
	}
	if !ip.IsValid() || ip.IsUnspecified() {
		return NetworkAddress{}, fmt.Errorf("%w: no station address yet", ErrInvalidAddress)
	}
	prefixLen := 24
	if mask.IsValid() {
		if prefixLen, err = prefixFromMask(mask); err != nil {
			return NetworkAddress{}, err
		}
	}

	var nameServers []netip.Addr
	if lines, err := r.modem.Command(ctx, "AT+CIPDNS?", remaining(ctx, 2*time.Second)); err == nil {
		nameServers = parseDNSLines(lines)
	} else {
		logger.DebugF("[radio] Fail to query name servers, details: %v", err)
	}
	return NewNetworkAddress(ip, gateway, prefixLen, nameServers...)
}

// SignalStrength 从 AT+CWJAP? 的第4个字段读取RSSI
func (r *ATRadio) SignalStrength() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lines, err := r.modem.Command(ctx, "AT+CWJAP?", time.Second)
	if err != nil {
		return 0
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "+CWJAP:") {
			continue
		}
		fields := strings.Split(strings.TrimPrefix(line, "+CWJAP:"), ",")
		if len(fields) < 4 {
			return 0
		}
		rssi, err := strconv.Atoi(strings.TrimSpace(fields[3]))
		if err != nil {
			return 0
		}
		return rssi
	}
	return 0
}

func (r *ATRadio) NewPort() transport.Port {
	return &ATPort{modem: r.modem, sendTimeout: r.sendTimeout}
}

func (r *ATRadio) Close() error {
	return r.modem.Close()
}

// parseDNSLines 兼容 +CIPDNS:1,"a","b" 与 +CIPDNS_CUR:a 两种格式
func parseDNSLines(lines []string) []netip.Addr {
	var result []netip.Addr
	for _, line := range lines {
		_, value, ok := strings.Cut(line, ":")
		if !ok || !strings.HasPrefix(line, "+CIPDNS") {
			continue
		}
		for _, field := range strings.Split(value, ",") {
			addr, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(field), `"`))
			if err == nil && addr.Is4() {
				result = append(result, addr)
			}
		}
	}
	return result
}

func escapeAT(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `,`, `\,`)
	return r.Replace(s)
}

// remaining 返回ctx剩余时间，没有截止时间时使用fallback
func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}

// ATPort 模组内置TCP栈上的单连接套接字
type ATPort struct {
	modem       *Modem
	sendTimeout time.Duration
	closed      <-chan struct{}
	connID      string
	buf         []byte
	bufOffset   int
}

func (p *ATPort) Connect(ctx context.Context, address string, port uint16, timeout time.Duration) error {
	if p.closed != nil {
		_ = p.Close()
	}
	target := fmt.Sprintf("%s:%d", address, port)
	closed := p.modem.openSocket()
	cmd := fmt.Sprintf(`AT+CIPSTART="TCP","%s",%d`, escapeAT(address), port)
	lines, err := p.modem.Command(ctx, cmd, timeout)
	if err != nil {
		for _, line := range lines {
			if line == "ALREADY CONNECTED" {
				err = nil
			}
		}
	}
	if err != nil {
		return p.classify("connect "+target, err)
	}
	p.closed = closed
	p.connID = target
	p.buf = nil
	p.bufOffset = 0
	logger.DebugF("[%s] Modem socket established", p.connID)
	return nil
}

func (p *ATPort) Send(data []byte) error {
	if p.closed == nil {
		return &transport.Error{Op: "send", Err: transport.ErrNotConnected}
	}
	if err := p.modem.SendData(context.Background(), data, p.sendTimeout); err != nil {
		logger.ErrorF("[%s] Fail to send data, details: %v", p.connID, err)
		return p.classify("send", err)
	}
	logger.DebugF("[%s] Send %d bytes to broker", p.connID, len(data))
	return nil
}

func (p *ATPort) Receive(buf []byte, timeout time.Duration) (int, error) {
	if p.closed == nil {
		return 0, &transport.Error{Op: "receive", Err: transport.ErrNotConnected}
	}
	if p.bufOffset < len(p.buf) {
		n := copy(buf, p.buf[p.bufOffset:])
		p.bufOffset += n
		return n, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case data := <-p.modem.data:
		p.buf = data
		n := copy(buf, p.buf)
		p.bufOffset = n
		return n, nil
	case <-p.closed:
		return 0, &transport.Error{Op: "receive", Err: transport.ErrClosed}
	case <-timer:
		return 0, &transport.Error{Op: "receive", Err: transport.ErrTimeout}
	}
}

func (p *ATPort) Close() error {
	if p.closed == nil {
		return nil
	}
	select {
	case <-p.closed:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := p.modem.Command(ctx, "AT+CIPCLOSE", 2*time.Second); err != nil {
			logger.DebugF("[%s] Fail to close modem socket, details: %v", p.connID, err)
		}
		cancel()
		p.modem.markSocketClosed()
	}
	logger.DebugF("[%s] Connection closed", p.connID)
	p.closed = nil
	p.buf = nil
	return nil
}

func (p *ATPort) classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrModemTimeout), errors.Is(err, context.DeadlineExceeded):
		return &transport.Error{Op: op, Err: transport.ErrTimeout, Cause: err}
	case errors.Is(err, ErrModemClosed):
		return &transport.Error{Op: op, Err: transport.ErrClosed, Cause: err}
	case errors.Is(err, ErrCommandFailed) && strings.HasPrefix(op, "connect"):
		return &transport.Error{Op: op, Err: transport.ErrRefused, Cause: err}
	default:
		return &transport.Error{Op: op, Err: transport.ErrClosed, Cause: err}
	}
}
