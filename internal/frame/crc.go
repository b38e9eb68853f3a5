package frame

// CRC-16/CCITT configuration (polynomial 0x1021, init 0x0000, no
// reflection, no final xor). Check value for "123456789" is 0x31C3.
const (
	crcPolynomial = 0x1021
	crcInitial    = 0x0000
)

var crcTable = makeTable(crcPolynomial)

func makeTable(poly uint16) *[256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

// Checksum computes the CRC-16/CCITT of data.
func Checksum(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}
