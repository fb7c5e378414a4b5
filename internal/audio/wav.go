package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

const (
	wavHeaderSize    = 44
	defaultWAVRate   = 16000
	pcm16BytesPerSec = 2
)

var errOddPCM = errors.New("pcm16 payload has an odd number of bytes")

// wavHeader returns the canonical 44-byte RIFF header for mono PCM16LE audio.
func wavHeader(dataLen, sampleRate int) []byte {
	h := make([]byte, wavHeaderSize)
	le := binary.LittleEndian
	copy(h[0:], "RIFF")
	le.PutUint32(h[4:], uint32(wavHeaderSize-8+dataLen))
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	le.PutUint32(h[16:], 16)
	le.PutUint16(h[20:], 1) // PCM
	le.PutUint16(h[22:], 1) // mono
	le.PutUint32(h[24:], uint32(sampleRate))
	le.PutUint32(h[28:], uint32(sampleRate*pcm16BytesPerSec))
	le.PutUint16(h[32:], pcm16BytesPerSec)
	le.PutUint16(h[34:], 16)
	copy(h[36:], "data")
	le.PutUint32(h[40:], uint32(dataLen))
	return h
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono samples in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errOddPCM
	}
	if sampleRate <= 0 {
		sampleRate = defaultWAVRate
	}
	return append(wavHeader(len(pcm), sampleRate), pcm...), nil
}

// WriteWAVPCM16LETo streams the WAV encoding of pcm to out.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	data, err := EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// WriteWAVPCM16LEFile writes pcm as a WAV file at path.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
