package stellar

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
)

// Account id version byte (G...).
const versionAccountID byte = 6 << 3

var errStrkey = errors.New("invalid strkey")

// crc16 is CRC-16/XMODEM.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func encodeAccountID(pub []byte) string {
	raw := make([]byte, 0, 1+len(pub)+2)
	raw = append(raw, versionAccountID)
	raw = append(raw, pub...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16(raw))
	return base32.StdEncoding.EncodeToString(raw)
}

func decodeAccountID(s string) ([]byte, error) {
	if len(s) != 56 {
		return nil, errStrkey
	}
	raw, err := base32.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 35 || raw[0] != versionAccountID {
		return nil, errStrkey
	}
	body, sum := raw[:33], raw[33:]
	if binary.LittleEndian.Uint16(sum) != crc16(body) {
		return nil, errStrkey
	}
	return body[1:], nil
}
