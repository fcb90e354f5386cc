// Package mock 提供确定性的无线模组、代理与传感器替身
package mock

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/radio"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

// Radio 按脚本返回结果的无线模组
type Radio struct {
	mu            sync.Mutex
	linkUp        bool
	associateErrs []error
	leaseErrs     []error
	address       radio.NetworkAddress
	rssi          int
	newPort       func() transport.Port
	associations  int
	leases        int
}

func NewRadio(address radio.NetworkAddress, newPort func() transport.Port) *Radio {
	return &Radio{address: address, newPort: newPort, rssi: -50}
}

// FailAssociate 接下来的关联依次返回这些错误
func (r *Radio) FailAssociate(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.associateErrs = append(r.associateErrs, errs...)
}

// FailLease 接下来的租约请求依次返回这些错误
func (r *Radio) FailLease(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaseErrs = append(r.leaseErrs, errs...)
}

// SetLinkUp 模拟链路层丢失或恢复
func (r *Radio) SetLinkUp(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkUp = up
}

func (r *Radio) SetSignalStrength(rssi int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rssi = rssi
}

func (r *Radio) Associations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.associations
}

func (r *Radio) Leases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases
}

func (r *Radio) Associate(ctx context.Context, _, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.associations++
	if len(r.associateErrs) > 0 {
		err := r.associateErrs[0]
		r.associateErrs = r.associateErrs[1:]
		if err != nil {
			return err
		}
	}
	r.linkUp = true
	return nil
}

func (r *Radio) IsLinkUp() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linkUp
}

func (r *Radio) RequestLease(ctx context.Context) (radio.NetworkAddress, error) {
	if err := ctx.Err(); err != nil {
		return radio.NetworkAddress{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases++
	if len(r.leaseErrs) > 0 {
		err := r.leaseErrs[0]
		r.leaseErrs = r.leaseErrs[1:]
		if err != nil {
			return radio.NetworkAddress{}, err
		}
	}
	return r.address, nil
}

func (r *Radio) SignalStrength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rssi
}

func (r *Radio) NewPort() transport.Port {
	return r.newPort()
}
