package redisr

import "strings"

const hashSlots = 16384

// HashSlotForKey returns the cluster hash slot for the key. If the key
// contains a non-empty {...} section, only the part between the braces
// is hashed, so that multiple keys can be forced into the same slot.
func HashSlotForKey(key string) int {
	if start := strings.Index(key, "{"); start >= 0 {
		if end := strings.Index(key[start+1:], "}"); end > 0 { // if end == 0, then it's {}, so we ignore it
			end += start + 1
			key = key[start+1 : end]
		}
	}
	return int(crc16(key) % hashSlots)
}

// crc16 implements the CCITT variant used by redis cluster
// (polynomial 0x1021, no initial value, no final xor).
func crc16(key string) uint16 {
	var crc uint16
	for i := 0; i < len(key); i++ {
		crc ^= uint16(key[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
