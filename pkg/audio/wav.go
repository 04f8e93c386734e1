package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAV container constants for [DefaultFormat]: RIFF/WAVE with a PCM fmt chunk
// (format code 1). Header is always 44 bytes — no extension chunks.
const wavHeaderSize = 44

// EncodeWAV wraps pcm (16-bit LE mono 24 kHz samples) in a WAV container and
// returns the complete file contents.
func EncodeWAV(pcm []byte) []byte {
	buf := make([]byte, wavHeaderSize+len(pcm))
	writeWAVHeader(buf, len(pcm))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// WriteWAV writes pcm as a complete WAV file to w.
func WriteWAV(w io.Writer, pcm []byte) error {
	hdr := make([]byte, wavHeaderSize)
	writeWAVHeader(hdr, len(pcm))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// WriteWAVFile persists pcm as a WAV file at path. The file is written to a
// temporary sibling first and renamed into place so that a reader never
// observes a truncated file.
func WriteWAVFile(path string, pcm []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", tmp, err)
	}
	if err := WriteWAV(f, pcm); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("audio: close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("audio: rename %q: %w", path, err)
	}
	return nil
}

func writeWAVHeader(hdr []byte, dataLen int) {
	f := DefaultFormat
	byteRate := f.BytesPerSecond()
	blockAlign := f.Channels * f.BitsPerSample / 8

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataLen))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(f.BitsPerSample))
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))
}

// ReadWAV parses a WAV file from r, validates that the header matches
// [DefaultFormat], and returns the raw PCM payload.
func ReadWAV(r io.Reader) ([]byte, error) {
	hdr := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("audio: read wav header: %w", err)
	}

	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, fmt.Errorf("audio: not a RIFF/WAVE file")
	}
	if string(hdr[12:16]) != "fmt " {
		return nil, fmt.Errorf("audio: missing fmt chunk")
	}
	if code := binary.LittleEndian.Uint16(hdr[20:22]); code != 1 {
		return nil, fmt.Errorf("audio: unsupported format code %d (want PCM)", code)
	}

	f := DefaultFormat
	if ch := int(binary.LittleEndian.Uint16(hdr[22:24])); ch != f.Channels {
		return nil, fmt.Errorf("audio: unexpected channel count %d (want %d)", ch, f.Channels)
	}
	if rate := int(binary.LittleEndian.Uint32(hdr[24:28])); rate != f.SampleRate {
		return nil, fmt.Errorf("audio: unexpected sample rate %d (want %d)", rate, f.SampleRate)
	}
	if bits := int(binary.LittleEndian.Uint16(hdr[34:36])); bits != f.BitsPerSample {
		return nil, fmt.Errorf("audio: unexpected sample width %d (want %d)", bits, f.BitsPerSample)
	}
	if string(hdr[36:40]) != "data" {
		return nil, fmt.Errorf("audio: missing data chunk")
	}

	dataLen := binary.LittleEndian.Uint32(hdr[40:44])
	pcm, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("audio: read wav data: %w", err)
	}
	if uint32(len(pcm)) < dataLen {
		return nil, fmt.Errorf("audio: truncated data chunk: header says %d bytes, got %d", dataLen, len(pcm))
	}
	return pcm[:dataLen], nil
}

// ReadWAVFile reads and validates the WAV file at path, returning its PCM payload.
func ReadWAVFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	return ReadWAV(f)
}
