package packet

import (
	"github.com/life-stream-dev/life-stream-sensor-node/internal/mqtt"
)

// PublishSize 返回 QoS 0 PUBLISH 报文的总长度
func PublishSize(topic string, payload []byte) int {
	remaining := 2 + len(topic) + len(payload)
	return 1 + mqtt.RemainingLengthSize(remaining) + remaining
}

// AppendPublish 将 QoS 0 PUBLISH 报文追加到dst（无 DUP，无 RETAIN，无报文标识符）
func AppendPublish(dst []byte, topic string, payload []byte) ([]byte, error) {
	if err := validateTopic(topic); err != nil {
		return dst, &EncodingError{Packet: "PUBLISH", Err: err}
	}
	remaining := 2 + len(topic) + len(payload)
	if remaining > mqtt.MaxRemainingLength {
		return dst, &EncodingError{Packet: "PUBLISH", Err: ErrPacketTooLarge}
	}

	dst = append(dst, mqtt.FixedHeader{Type: mqtt.PUBLISH}.Byte())
	dst, _ = mqtt.AppendRemainingLength(dst, remaining)
	dst = mqtt.AppendString(dst, topic)
	// 负载长度由剩余长度隐含，不加前缀
	dst = append(dst, payload...)
	return dst, nil
}

// EncodePublish 编码 QoS 0 PUBLISH 报文
func EncodePublish(topic string, payload []byte) ([]byte, error) {
	if err := validateTopic(topic); err != nil {
		return nil, &EncodingError{Packet: "PUBLISH", Err: err}
	}
	return AppendPublish(make([]byte, 0, PublishSize(topic, payload)), topic, payload)
}

// PublishMessage 解析后的 PUBLISH 报文
type PublishMessage struct {
	Topic   string
	Payload []byte
}

// ParsePublishPacket 解析 QoS 0 PUBLISH 报文体，用于回环校验
func ParsePublishPacket(packet *mqtt.Packet) (*PublishMessage, error) {
	if packet.Header.Type != mqtt.PUBLISH {
		return nil, &DecodeError{Packet: "PUBLISH", Data: []byte{packet.Header.Byte()}, Err: ErrUnexpectedHeader}
	}
	body := packet.Body
	if len(body) < 2 {
		return nil, &DecodeError{Packet: "PUBLISH", Data: body, Err: ErrShortPacket}
	}
	topicLength := int(mqtt.ByteToUInt16(body[:2]))
	if 2+topicLength > len(body) {
		return nil, &DecodeError{Packet: "PUBLISH", Data: body[:2], Err: ErrShortPacket}
	}
	offset := 2 + topicLength
	// QoS > 0 时存在报文标识符
	if (packet.Header.Flags&0x06)>>1 > 0 {
		offset += 2
		if offset > len(body) {
			return nil, &DecodeError{Packet: "PUBLISH", Data: body, Err: ErrShortPacket}
		}
	}
	return &PublishMessage{
		Topic:   string(body[2 : 2+topicLength]),
		Payload: body[offset:],
	}, nil
}
