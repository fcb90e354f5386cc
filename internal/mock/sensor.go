package mock

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/sensor"
)

// Driver 每次读取返回递增的确定性测量值
type Driver struct {
	mu       sync.Mutex
	kind     string
	reads    int
	failNext int
	reinits  int
}

func NewDriver(kind string) *Driver {
	return &Driver{kind: kind}
}

func (d *Driver) Kind() string {
	return d.kind
}

// FailNext 接下来的n次读取返回 sensor.ErrUnavailable
func (d *Driver) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

func (d *Driver) Read(ctx context.Context) (sensor.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return sensor.Measurement{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return sensor.Measurement{}, sensor.ErrUnavailable
	}
	d.reads++
	return sensor.Measurement{
		Temperature: 21.35 + float64(d.reads-1)/100,
		Humidity:    59.18,
		Pressure:    1017.68,
	}, nil
}

func (d *Driver) Reinit(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reinits++
	return nil
}

func (d *Driver) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func (d *Driver) Reinits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reinits
}
