package packet

import "github.com/life-stream-dev/life-stream-sensor-node/internal/mqtt"

// EncodeDisconnect 编码 DISCONNECT 报文，会话正常关闭时发送
func EncodeDisconnect() []byte {
	return []byte{mqtt.FixedHeader{Type: mqtt.DISCONNECT}.Byte(), 0x00}
}
