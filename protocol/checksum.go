package protocol

import "hash/crc32"

// ChunkCRC computes the CRC-32 (IEEE) carried with each firmware chunk.
// The receiving side verifies it before the bytes reach the flash layer, so
// a chunk mangled on the radio path aborts the session instead of staging
// garbage.
func ChunkCRC(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// VerifyChunk reports whether a chunk's declared CRC matches its data.
func VerifyChunk(c *UpdateChunk) bool {
	return crc32.ChecksumIEEE(c.Data) == c.CRC
}
