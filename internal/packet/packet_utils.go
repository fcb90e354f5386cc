// Package packet 负责客户端侧控制报文的编码与服务端响应的解码
package packet

import (
	"errors"
	"fmt"
)

const (
	// MaxClientIDLength 兼容所有服务端的客户端标识符最大长度
	MaxClientIDLength = 23
	// MaxTopicLength 2字节长度前缀可表示的最大主题长度
	MaxTopicLength = 65535
)

var (
	ErrIdentifierTooLong = errors.New("client identifier exceeds 23 bytes")
	ErrTopicTooLong      = errors.New("topic exceeds 65535 bytes")
	ErrEmptyTopic        = errors.New("topic must not be empty")
	ErrInvalidTopic      = errors.New("topic contains wildcard or NUL characters")
	ErrPacketTooLarge    = errors.New("packet exceeds the maximum remaining length")

	ErrShortPacket      = errors.New("insufficient bytes for packet")
	ErrUnexpectedHeader = errors.New("unexpected fixed header")
)

// EncodingError 编码阶段的错误，仅影响当前报文
type EncodingError struct {
	Packet string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Packet, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// DecodeError 解码服务端响应时的错误
type DecodeError struct {
	Packet string
	Data   []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s from %x: %v", e.Packet, e.Data, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func validateTopic(topic string) error {
	if len(topic) == 0 {
		return ErrEmptyTopic
	}
	if len(topic) > MaxTopicLength {
		return ErrTopicTooLong
	}
	for i := 0; i < len(topic); i++ {
		switch topic[i] {
		case '+', '#', 0x00:
			return ErrInvalidTopic
		}
	}
	return nil
}
