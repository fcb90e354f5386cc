// Package mqtt 实现了MQTT 3.1.1协议的固定头部、剩余长度编解码与报文读取
package mqtt

// PacketType 固定头部高4位
type PacketType byte

// 节点只发送 CONNECT/PUBLISH/PINGREQ/DISCONNECT，其余类型用于识别代理发来的报文
const (
	CONNECT PacketType = iota + 1
	CONNACK
	PUBLISH
	PUBACK
	PUBREC
	PUBREL
	PUBCOMP
	SUBSCRIBE
	SUBACK
	UNSUBSCRIBE
	UNSUBACK
	PINGREQ
	PINGRESP
	DISCONNECT
)

const (
	ProtocolName       = "MQTT"
	ProtocolLevel byte = 0x04 // 3.1.1

	MaxRemainingLength      = 268435455
	MaxRemainingLengthBytes = 4
	MaxFixedHeaderLength    = 1 + MaxRemainingLengthBytes
)

var packetNames = [...]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (t PacketType) String() string {
	if int(t) < len(packetNames) && packetNames[t] != "" {
		return packetNames[t]
	}
	return "RESERVED"
}

// flagMask 返回低4位允许置位的掩码，保留类型返回 false
func (t PacketType) flagMask() (byte, bool) {
	switch t {
	case PUBLISH:
		return 0x0F, true // DUP, QoS, RETAIN
	case PUBREL, SUBSCRIBE, UNSUBSCRIBE:
		return 0x02, true
	case CONNECT, CONNACK, PUBACK, PUBREC, PUBCOMP, SUBACK, UNSUBACK, PINGREQ, PINGRESP, DISCONNECT:
		return 0x00, true
	}
	return 0, false
}

type FixedHeader struct {
	Type            PacketType
	Flags           byte
	RemainingLength int
}

// Byte 固定头部首字节
func (h FixedHeader) Byte() byte {
	return byte(h.Type)<<4 | h.Flags&0x0F
}

// Packet 一个完整报文，Body 为可变头部与载荷
type Packet struct {
	Header *FixedHeader
	Body   []byte
}
