package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrMalformedRemainingLength = errors.New("the remaining length exceeds the 4 byte limit")
	ErrRemainingLengthTooLarge  = errors.New("the remaining length exceeds 268435455")
	ErrInvalidFlags             = errors.New("invalid fixed header flags")
	ErrReservedPacketType       = errors.New("reserved packet type")
)

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) == 0 {
		return 0
	}
	if len(bytes) == 1 {
		return uint16(bytes[0])
	}
	return binary.BigEndian.Uint16(bytes)
}

// AppendString 追加带2字节长度前缀的UTF-8字符串
func AppendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadPacket 从r中读取一个完整的控制报文
func ReadPacket(r io.Reader) (*Packet, error) {
	// 读取固定头
	typeAndFlags, err := ReadByte(r)
	if err != nil {
		return nil, err
	}

	// 解析剩余长度
	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}

	header := &FixedHeader{
		Type:            PacketType(typeAndFlags >> 4),
		Flags:           typeAndFlags & 0x0F,
		RemainingLength: remaining,
	}

	if header.Type == 0 || header.Type > DISCONNECT {
		return nil, fmt.Errorf("%w: %d", ErrReservedPacketType, header.Type)
	}

	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("%w: flags %d of %s packet", ErrInvalidFlags, header.Flags, header.Type.String())
	}

	// 读取可变头+有效载荷
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return &Packet{Header: header, Body: body}, nil
}

// DecodeRemainingLength 从r中逐字节解码剩余长度
func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < MaxRemainingLengthBytes; i++ { // 最多读取4字节
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrMalformedRemainingLength
}

// DecodeRemainingLengthBytes 从字节切片中解码剩余长度，返回值与占用的字节数
func DecodeRemainingLengthBytes(data []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < MaxRemainingLengthBytes; i++ {
		if i >= len(data) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		encodedByte := data[i]
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrMalformedRemainingLength
}

// RemainingLengthSize 返回x编码后的字节数
func RemainingLengthSize(x int) int {
	switch {
	case x < 128:
		return 1
	case x < 16384:
		return 2
	case x < 2097152:
		return 3
	default:
		return 4
	}
}

// AppendRemainingLength 将x按变长编码追加到dst，0编码为单字节0x00
func AppendRemainingLength(dst []byte, x int) ([]byte, error) {
	if x < 0 || x > MaxRemainingLength {
		return dst, ErrRemainingLengthTooLarge
	}
	for {
		encoded := byte(x % 128)
		x /= 128
		if x > 0 {
			encoded |= 128
		}
		dst = append(dst, encoded)
		if x == 0 {
			return dst, nil
		}
	}
}

// EncodeRemainingLength 编码剩余长度，超出范围时返回nil
func EncodeRemainingLength(x int) []byte {
	buf, err := AppendRemainingLength(make([]byte, 0, MaxRemainingLengthBytes), x)
	if err != nil {
		return nil
	}
	return buf
}

func ValidateFlags(pt PacketType, flags byte) bool {
	mask, ok := pt.flagMask()
	return ok && flags&^mask == 0
}
