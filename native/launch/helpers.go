package launch

import "encoding/hex"

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}
