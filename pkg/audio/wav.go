package audio

import "encoding/binary"

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container described by f. The result is self-contained and
// suitable for upload to batch transcription services that reject
// headerless PCM.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.BytesPerSecond()
	blockAlign := f.SampleWidth()
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                    // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                     // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))    // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))  // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))      // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))    // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(f.BitsPerSample)) // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
