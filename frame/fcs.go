package frame

// crcTable is the reversed CRC-8 table for x^8 + x^2 + x + 1 used by TS 07.10.
var crcTable [256]byte

func init() {
	for i := range crcTable {
		c := byte(i)
		for j := 0; j < 8; j++ {
			if c&0x01 != 0 {
				c = c>>1 ^ 0xe0
			} else {
				c >>= 1
			}
		}
		crcTable[i] = c
	}
}

// FCS computes the frame check sequence over b.
func FCS(b []byte) byte {
	fcs := byte(0xff)
	for _, v := range b {
		fcs = crcTable[fcs^v]
	}
	return 0xff - fcs
}

// CheckFCS reports whether fcs is the valid check sequence for b.
func CheckFCS(b []byte, fcs byte) bool {
	v := byte(0xff)
	for _, c := range b {
		v = crcTable[v^c]
	}
	return crcTable[v^fcs] == 0xcf
}
