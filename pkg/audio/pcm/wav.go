package pcm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/MrWong99/advisorlive/pkg/audio"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for integer PCM.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WAVHeaderSize is the length of the header written by [WriteWAV].
const WAVHeaderSize = 44

// WriteWAV writes data, little-endian PCM16 in format f, to w as a WAV file.
func WriteWAV(w io.Writer, data []byte, f audio.Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("pcm: invalid wav format %s", f)
	}
	if len(data)%(2*f.Channels) != 0 {
		return fmt.Errorf("%w: %d bytes for %d channels", ErrInvalidFrameLength, len(data), f.Channels)
	}
	blockAlign := uint16(2 * f.Channels)
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(data)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(data)),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("pcm: write wav header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("pcm: write wav data: %w", err)
	}
	return nil
}
