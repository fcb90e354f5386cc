// Package radio 定义了无线模组的能力接口与网络地址快照
package radio

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

var (
	// ErrBadCredentials 凭据错误，属于配置类错误，仍会重试
	ErrBadCredentials   = errors.New("access point rejected the credentials")
	ErrAssociation      = errors.New("association failed")
	ErrLeaseTimeout     = errors.New("address lease timed out")
	ErrInvalidAddress   = errors.New("invalid network address")
	ErrInterfaceMissing = errors.New("network interface not found")
)

// Radio 无线模组能力接口，链路管理器是唯一调用方
type Radio interface {
	// Associate 使用给定凭据关联到接入点，受ctx截止时间约束
	Associate(ctx context.Context, ssid, credentials string) error
	// IsLinkUp 链路层是否可用
	IsLinkUp() bool
	// RequestLease 请求地址租约，受ctx截止时间约束
	RequestLease(ctx context.Context) (NetworkAddress, error)
	// SignalStrength 当前信号强度(dBm)，未知时为0
	SignalStrength() int
	// NewPort 借出一个新的传输端口，仅在链路可用时调用
	NewPort() transport.Port
}

// maxNameServers 最多保留的域名服务器数量
const maxNameServers = 2

// NetworkAddress 一次成功租约的不可变快照
type NetworkAddress struct {
	address     netip.Addr
	gateway     netip.Addr
	prefixLen   int
	nameServers [maxNameServers]netip.Addr
	nsCount     int
}

// NewNetworkAddress 创建地址快照，多于两个的域名服务器会被忽略
func NewNetworkAddress(address netip.Addr, gateway netip.Addr, prefixLen int, nameServers ...netip.Addr) (NetworkAddress, error) {
	address = address.Unmap()
	if !address.Is4() || address.IsUnspecified() {
		return NetworkAddress{}, fmt.Errorf("%w: address %s", ErrInvalidAddress, address)
	}
	if prefixLen < 0 || prefixLen > 32 {
		return NetworkAddress{}, fmt.Errorf("%w: prefix length %d", ErrInvalidAddress, prefixLen)
	}
	if gateway.IsValid() && (!gateway.Unmap().Is4() || gateway.IsUnspecified()) {
		gateway = netip.Addr{}
	}
	result := NetworkAddress{
		address:   address,
		gateway:   gateway.Unmap(),
		prefixLen: prefixLen,
	}
	for _, ns := range nameServers {
		if result.nsCount == maxNameServers {
			break
		}
		if !ns.IsValid() || ns.IsUnspecified() {
			continue
		}
		result.nameServers[result.nsCount] = ns.Unmap()
		result.nsCount++
	}
	return result, nil
}

func (a NetworkAddress) Address() netip.Addr {
	return a.address
}

// Gateway 返回网关地址，没有网关时返回的地址无效
func (a NetworkAddress) Gateway() (netip.Addr, bool) {
	return a.gateway, a.gateway.IsValid()
}

func (a NetworkAddress) PrefixLen() int {
	return a.prefixLen
}

func (a NetworkAddress) Prefix() netip.Prefix {
	return netip.PrefixFrom(a.address, a.prefixLen).Masked()
}

// NameServers 返回域名服务器的副本
func (a NetworkAddress) NameServers() []netip.Addr {
	result := make([]netip.Addr, a.nsCount)
	copy(result, a.nameServers[:a.nsCount])
	return result
}

func (a NetworkAddress) IsValid() bool {
	return a.address.IsValid()
}

func (a NetworkAddress) String() string {
	if !a.IsValid() {
		return "none"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s/%d", a.address, a.prefixLen))
	if a.gateway.IsValid() {
		sb.WriteString(" gw " + a.gateway.String())
	}
	for i := 0; i < a.nsCount; i++ {
		sb.WriteString(" dns " + a.nameServers[i].String())
	}
	return sb.String()
}

// prefixFromMask 将点分十进制掩码转换为前缀长度
func prefixFromMask(mask netip.Addr) (int, error) {
	if !mask.Is4() {
		return 0, fmt.Errorf("%w: netmask %s", ErrInvalidAddress, mask)
	}
	b := mask.As4()
	bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	ones := 0
	for bits&0x80000000 != 0 {
		ones++
		bits <<= 1
	}
	if bits != 0 {
		return 0, fmt.Errorf("%w: non-contiguous netmask %s", ErrInvalidAddress, mask)
	}
	return ones, nil
}
