package packet

// 控制包类型 CONNECT / CONNACK 相关函数

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/mqtt"
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

var connectRespNames = map[ConnectRespType]string{
	Accepted:             "accepted",
	UnacceptableProtocol: "unacceptable protocol version",
	IdentifierRejected:   "identifier rejected",
	ServerUnavailable:    "server unavailable",
	AuthenticationFailed: "bad username or password",
	NotAuthorized:        "not authorized",
}

func (c ConnectRespType) String() string {
	if name, ok := connectRespNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown return code %d", byte(c))
}

// ConnAckOutcome CONNACK 的解析结果
type ConnAckOutcome struct {
	SessionPresent bool
	ReturnCode     ConnectRespType
}

// Accepted 服务端是否接受连接
func (o ConnAckOutcome) Accepted() bool {
	return o.ReturnCode == Accepted
}

func (o ConnAckOutcome) String() string {
	if o.Accepted() {
		return "accepted"
	}
	return fmt.Sprintf("rejected(%d): %s", byte(o.ReturnCode), o.ReturnCode)
}

// connectFlagCleanSession 连接标志位中仅设置 clean session
const connectFlagCleanSession byte = 0x02

// AppendConnect 将 CONNECT 报文追加到dst
func AppendConnect(dst []byte, clientID string, keepAlive uint16) ([]byte, error) {
	if len(clientID) > MaxClientIDLength {
		return dst, &EncodingError{Packet: "CONNECT", Err: ErrIdentifierTooLong}
	}

	// 可变头: 协议名(2+4) + 协议级别(1) + 连接标志(1) + 保活时间(2)
	remaining := 2 + len(mqtt.ProtocolName) + 1 + 1 + 2 + 2 + len(clientID)

	dst = append(dst, mqtt.FixedHeader{Type: mqtt.CONNECT}.Byte())
	dst, _ = mqtt.AppendRemainingLength(dst, remaining)
	dst = mqtt.AppendString(dst, mqtt.ProtocolName)
	dst = append(dst, mqtt.ProtocolLevel, connectFlagCleanSession)
	dst = append(dst, mqtt.UInt16ToByte(keepAlive)...)
	// Payload: 仅客户端标识符，不携带遗嘱与认证字段
	dst = mqtt.AppendString(dst, clientID)
	return dst, nil
}

// EncodeConnect 编码 CONNECT 报文
func EncodeConnect(clientID string, keepAlive uint16) ([]byte, error) {
	size := 14 + len(clientID)
	buf, err := AppendConnect(make([]byte, 0, size), clientID, keepAlive)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// NewConnectAckPacket 构造 CONNACK 报文，用于测试桩与回环
func NewConnectAckPacket(sessionStatus bool, returnCode ConnectRespType) []byte {
	if sessionStatus {
		return []byte{0x20, 0x02, 0x01, byte(returnCode)}
	}
	return []byte{0x20, 0x02, 0x00, byte(returnCode)}
}

// DecodeConnAck 解析 CONNACK 报文
func DecodeConnAck(data []byte) (ConnAckOutcome, error) {
	if len(data) < 4 {
		return ConnAckOutcome{}, &DecodeError{Packet: "CONNACK", Data: data, Err: ErrShortPacket}
	}
	if data[0] != (mqtt.FixedHeader{Type: mqtt.CONNACK}).Byte() || data[1] != 0x02 {
		return ConnAckOutcome{}, &DecodeError{Packet: "CONNACK", Data: data[:2], Err: ErrUnexpectedHeader}
	}
	return ConnAckOutcome{
		SessionPresent: data[2]&0x01 == 1,
		ReturnCode:     ConnectRespType(data[3]),
	}, nil
}
