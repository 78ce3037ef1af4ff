package hexutil

// BytesToHex converts a byte slice to an uppercase hexadecimal string.
// Helper for frame dumps in logs without pulling in fmt everywhere.
func BytesToHex(b []byte) string {
	const hexd = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexd[x>>4], hexd[x&0x0F])
	}
	return string(out)
}
