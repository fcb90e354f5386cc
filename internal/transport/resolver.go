package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
)

var ErrNoAddress = errors.New("host resolved to no IPv4 address")

// LookupFunc 解析主机名，nameServers为空时使用系统配置
type LookupFunc func(ctx context.Context, host string, nameServers []netip.Addr) ([]netip.Addr, error)

// Resolver 代理地址解析，带TTL缓存
type Resolver struct {
	cache   *expirable.LRU[string, netip.Addr]
	lookup  LookupFunc
	timeout time.Duration
}

func NewResolver(size int, ttl time.Duration, timeout time.Duration) *Resolver {
	return NewResolverWithLookup(size, ttl, timeout, lookupNetIP)
}

func NewResolverWithLookup(size int, ttl time.Duration, timeout time.Duration, lookup LookupFunc) *Resolver {
	return &Resolver{
		cache:   expirable.NewLRU[string, netip.Addr](size, nil, ttl),
		lookup:  lookup,
		timeout: timeout,
	}
}

// Resolve 返回host对应的IPv4地址字符串，IP字面量直接返回
func (r *Resolver) Resolve(ctx context.Context, host string, nameServers []netip.Addr) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String(), nil
	}
	if addr, ok := r.cache.Get(host); ok {
		return addr.String(), nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	startTime := time.Now()
	addrs, err := r.lookup(lookupCtx, host, nameServers)
	logger.DebugF("resolve %s cost: %v", host, time.Since(startTime))
	if err != nil {
		return "", classify("resolve "+host, err)
	}
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			r.cache.Add(host, addr.Unmap())
			return addr.Unmap().String(), nil
		}
	}
	return "", &Error{Op: "resolve " + host, Err: ErrNoAddress}
}

// Forget 连接失败后丢弃缓存，下次重新解析
func (r *Resolver) Forget(host string) {
	r.cache.Remove(host)
}

func lookupNetIP(ctx context.Context, host string, nameServers []netip.Addr) ([]netip.Addr, error) {
	resolver := net.DefaultResolver
	if len(nameServers) > 0 {
		servers := nameServers
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				var lastErr error
				for _, server := range servers {
					conn, err := d.DialContext(ctx, network, netip.AddrPortFrom(server, 53).String())
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, fmt.Errorf("no name server reachable: %w", lastErr)
			},
		}
	}
	return resolver.LookupNetIP(ctx, "ip4", host)
}
