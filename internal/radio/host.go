package radio

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

// HostRadio 由宿主操作系统管理无线关联，这里只观察接口状态
type HostRadio struct {
	iface        string
	procRoot     string // 默认 /proc
	resolvConf   string // 默认 /etc/resolv.conf
	pollInterval time.Duration
	newPort      func() transport.Port
}

type HostOption func(*HostRadio)

// WithProcRoot 替换 /proc 与 resolv.conf 路径，用于测试
func WithProcRoot(procRoot, resolvConf string) HostOption {
	return func(r *HostRadio) {
		r.procRoot = procRoot
		r.resolvConf = resolvConf
	}
}

func WithPortFactory(factory func() transport.Port) HostOption {
	return func(r *HostRadio) {
		r.newPort = factory
	}
}

func NewHostRadio(iface string, opts ...HostOption) *HostRadio {
	r := &HostRadio{
		iface:        iface,
		procRoot:     "/proc",
		resolvConf:   "/etc/resolv.conf",
		pollInterval: 200 * time.Millisecond,
		newPort:      func() transport.Port { return transport.NewTCPPort(10 * time.Second) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Associate 等待接口up，凭据由系统的supplicant使用
func (r *HostRadio) Associate(ctx context.Context, ssid, _ string) error {
	logger.DebugF("[radio] Waiting for interface %s to associate with %q", r.iface, ssid)
	for {
		ifi, err := net.InterfaceByName(r.iface)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInterfaceMissing, r.iface, err)
		}
		if ifi.Flags&net.FlagUp != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: interface %s is down: %v", ErrAssociation, r.iface, ctx.Err())
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *HostRadio) IsLinkUp() bool {
	ifi, err := net.InterfaceByName(r.iface)
	if err != nil || ifi.Flags&net.FlagUp == 0 {
		return false
	}
	_, _, err = r.interfaceIPv4(ifi)
	return err == nil
}

func (r *HostRadio) RequestLease(ctx context.Context) (NetworkAddress, error) {
	for {
		ifi, err := net.InterfaceByName(r.iface)
		if err != nil {
			return NetworkAddress{}, fmt.Errorf("%w: %s: %v", ErrInterfaceMissing, r.iface, err)
		}
		if addr, prefixLen, err := r.interfaceIPv4(ifi); err == nil {
			gateway, err := readGateway(filepath.Join(r.procRoot, "net", "route"), r.iface)
			if err != nil {
				logger.DebugF("[radio] No default gateway for %s, details: %v", r.iface, err)
			}
			nameServers, err := readNameServers(r.resolvConf)
			if err != nil {
				logger.DebugF("[radio] No name servers, details: %v", err)
			}
			return NewNetworkAddress(addr, gateway, prefixLen, nameServers...)
		}
		select {
		case <-ctx.Done():
			return NetworkAddress{}, fmt.Errorf("%w: %v", ErrLeaseTimeout, ctx.Err())
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *HostRadio) SignalStrength() int {
	rssi, err := readSignalLevel(filepath.Join(r.procRoot, "net", "wireless"), r.iface)
	if err != nil {
		return 0
	}
	return rssi
}

func (r *HostRadio) NewPort() transport.Port {
	return r.newPort()
}

func (r *HostRadio) interfaceIPv4(ifi *net.Interface) (netip.Addr, int, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, 0, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok || !addr.Unmap().Is4() {
			continue
		}
		ones, _ := ipNet.Mask.Size()
		if ones == 0 && len(ipNet.Mask) == net.IPv6len {
			ones, _ = ipNet.Mask[12:].Size()
		}
		return addr.Unmap(), ones, nil
	}
	return netip.Addr{}, 0, fmt.Errorf("no IPv4 address on %s", ifi.Name)
}

// readGateway 解析 /proc/net/route 中iface的默认路由
func readGateway(path, iface string) (netip.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		return netip.Addr{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Iface Destination Gateway Flags ...
		if len(fields) < 3 || fields[0] != iface || fields[1] != "00000000" {
			continue
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != 4 {
			return netip.Addr{}, fmt.Errorf("invalid gateway field %q", fields[2])
		}
		// 内核以主机字节序（小端）输出
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], binary.LittleEndian.Uint32(raw))
		return netip.AddrFrom4(b), nil
	}
	if err := scanner.Err(); err != nil {
		return netip.Addr{}, err
	}
	return netip.Addr{}, fmt.Errorf("no default route via %s", iface)
}

// readNameServers 读取 resolv.conf 中的IPv4域名服务器
func readNameServers(path string) ([]netip.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var result []netip.Addr
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil || !addr.Is4() {
			continue
		}
		result = append(result, addr)
	}
	return result, scanner.Err()
}

// readSignalLevel 解析 /proc/net/wireless 中的信号电平(dBm)
func readSignalLevel(path, iface string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		name, rest, found := strings.Cut(line, ":")
		if !found || name != iface {
			continue
		}
		// status link level noise ...
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return 0, fmt.Errorf("short wireless line %q", line)
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0, err
		}
		return int(level), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("interface %s not listed in %s", iface, path)
}
