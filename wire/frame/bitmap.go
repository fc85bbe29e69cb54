package frame

// EncodeBitmap returns a BATCH_ACK payload of length ceil(total/8) with bit
// i (MSB-first within byte i/8) set for each sequence in acked.
func EncodeBitmap(total uint32, acked map[uint32]struct{}) []byte {
	n := (total + 7) / 8
	b := make([]byte, n)
	for seq := range acked {
		if seq >= total {
			continue
		}
		b[seq/8] |= 1 << (7 - seq%8)
	}
	return b
}

// DecodeBitmap returns the set of sequences flagged in a BATCH_ACK
// payload, per the same MSB-first-within-byte convention as EncodeBitmap.
// total bounds how many sequences are meaningful; bits beyond it are
// ignored.
func DecodeBitmap(bitmap []byte, total uint32) []uint32 {
	var acked []uint32
	for seq := uint32(0); seq < total && int(seq/8) < len(bitmap); seq++ {
		if bitmap[seq/8]&(1<<(7-seq%8)) != 0 {
			acked = append(acked, seq)
		}
	}
	return acked
}
