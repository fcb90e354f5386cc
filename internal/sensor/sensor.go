// Package sensor 定义传感器驱动边界与 Linux IIO 实现
package sensor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	ErrUnavailable = errors.New("sensor unavailable")
	ErrBadValue    = errors.New("sensor returned an invalid value")
)

// Measurement 一次补偿后的测量值
type Measurement struct {
	Temperature float64 // °C
	Humidity    float64 // %RH
	Pressure    float64 // hPa
}

// Driver 传感器驱动，Read 失败表示本周期没有新读数
type Driver interface {
	Kind() string
	Read(ctx context.Context) (Measurement, error)
}

// Reinitializer 连续失败后可以重新初始化的驱动
type Reinitializer interface {
	Reinit(ctx context.Context) error
}

// IIODriver 读取内核 bmp280 驱动导出的 IIO sysfs 属性
type IIODriver struct {
	kind string
	dir  string
}

func NewIIODriver(kind, deviceDir string) *IIODriver {
	return &IIODriver{kind: kind, dir: deviceDir}
}

func (d *IIODriver) Kind() string {
	return d.kind
}

func (d *IIODriver) Read(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	temp, err := d.readAttr("in_temp_input")
	if err != nil {
		return Measurement{}, err
	}
	pressure, err := d.readAttr("in_pressure_input")
	if err != nil {
		return Measurement{}, err
	}
	humidity, err := d.readAttr("in_humidityrelative_input")
	if err != nil {
		return Measurement{}, err
	}
	m := Measurement{
		Temperature: temp / 1000,     // m°C
		Humidity:    humidity / 1000, // m%RH
		Pressure:    pressure * 10,   // kPa
	}
	if m.Humidity < 0 || m.Humidity > 100 || m.Pressure <= 0 {
		return Measurement{}, fmt.Errorf("%w: %+v", ErrBadValue, m)
	}
	return m, nil
}

// Reinit 检查设备目录仍然存在
func (d *IIODriver) Reinit(context.Context) error {
	name, err := os.ReadFile(filepath.Join(d.dir, "name"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !strings.Contains(strings.TrimSpace(string(name)), "280") {
		return fmt.Errorf("%w: unexpected device %q", ErrUnavailable, strings.TrimSpace(string(name)))
	}
	return nil
}

func (d *IIODriver) readAttr(attr string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, attr))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrBadValue, attr, err)
	}
	return v, nil
}

// NullDriver 没有挂载传感器的节点只上报状态
type NullDriver struct {
	kind string
}

func NewNullDriver(kind string) NullDriver {
	return NullDriver{kind: kind}
}

func (d NullDriver) Kind() string {
	return d.kind
}

func (NullDriver) Read(context.Context) (Measurement, error) {
	return Measurement{}, ErrUnavailable
}
