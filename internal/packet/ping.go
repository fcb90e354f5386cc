package packet

import (
	"bytes"
)

var (
	pingReqPacket  = []byte{0xC0, 0x00}
	pingRespPacket = []byte{0xD0, 0x00}
)

func EncodePingReq() []byte {
	return []byte{pingReqPacket[0], pingReqPacket[1]}
}

func NewPingRespPacket() []byte {
	return []byte{pingRespPacket[0], pingRespPacket[1]}
}

// DecodePingResp 校验 PINGRESP 报文
func DecodePingResp(data []byte) error {
	if len(data) < 2 {
		return &DecodeError{Packet: "PINGRESP", Data: data, Err: ErrShortPacket}
	}
	if !bytes.Equal(data[:2], pingRespPacket) {
		return &DecodeError{Packet: "PINGRESP", Data: data[:2], Err: ErrUnexpectedHeader}
	}
	return nil
}
