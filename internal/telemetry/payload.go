// Package telemetry 采样传感器与设备状态，并在会话就绪时发布
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Fixed2 以固定两位小数序列化的数值
type Fixed2 float64

func (f Fixed2) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return nil, fmt.Errorf("unsupported value %v", float64(f))
	}
	return strconv.AppendFloat(nil, float64(f), 'f', 2, 64), nil
}

// Reading 一次传感器读数，创建后不再修改
type Reading struct {
	Temperature Fixed2 `json:"temperature"`
	Humidity    Fixed2 `json:"humidity"`
	Pressure    Fixed2 `json:"pressure"`
	Sequence    uint32 `json:"reading"`
	Device      string `json:"device"`
}

// StatusSnapshot 设备状态快照
type StatusSnapshot struct {
	Status   string `json:"status"`
	Uptime   uint64 `json:"uptime"`
	FreeHeap uint64 `json:"free_heap"`
	RSSI     int    `json:"wifi_rssi"`
	Device   string `json:"device"`
}

type heartbeat struct {
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"client_id"`
}

func (r Reading) Payload() ([]byte, error) {
	return json.Marshal(r)
}

func (s StatusSnapshot) Payload() ([]byte, error) {
	return json.Marshal(s)
}

func SensorTopic(prefix, kind string) string {
	return prefix + "/sensor/" + kind
}

func StatusTopic(prefix string) string {
	return prefix + "/status"
}

func HeartbeatTopic(prefix string) string {
	return prefix + "/heartbeat"
}
