package codec

const (
	// crc16Poly is the reflected form of the 0x8005 polynomial.
	crc16Poly = 0xA001
)

// CRC16 computes the CRC-16/ARC checksum of data: reflected polynomial
// 0xA001, bit-serial, no lookup table, no final XOR.
//
// CRC16([]byte("123456789")) == 0xBB3D.
func CRC16(data []byte) uint16 {
	return UpdateCRC16(0x0000, data)
}

// UpdateCRC16 folds data into a running CRC-16 value. Passing the result of a
// previous call continues the same checksum across split buffers.
func UpdateCRC16(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crc16Poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// ValidateCRC16 verifies that the calculated checksum matches the received checksum.
func ValidateCRC16(data []byte, received uint16) bool {
	return CRC16(data) == received
}
