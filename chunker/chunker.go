// Package chunker splits object payloads into fixed-size chunks.
//
// Chunk i covers bytes [i*size, min((i+1)*size, len(data))). Every chunk
// is content-addressed by the SHA-256 of its payload.
package chunker

import "objectmail.dev/hasher"

// A Chunk is one fixed-size slice of an object payload.
type Chunk struct {
	Index   uint32
	Payload []byte
	Hash    string // hex SHA-256 of Payload
	Size    int64
}

// Split partitions data into chunks of at most size bytes. The final chunk
// may be shorter. Empty input yields no chunks. size must be positive.
func Split(data []byte, size int64) []Chunk {
	if size <= 0 {
		return nil
	}
	var chunks []Chunk
	for i := 0; i < len(data); i += int(size) {
		end := i + int(size)
		if end > len(data) {
			end = len(data)
		}
		payload := data[i:end]
		chunks = append(chunks, Chunk{
			Index:   uint32(len(chunks)),
			Payload: payload,
			Hash:    hasher.SHA256Hex(payload),
			Size:    int64(len(payload)),
		})
	}
	return chunks
}
