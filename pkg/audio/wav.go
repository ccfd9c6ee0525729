package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps 16-bit little-endian PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("audio: encode wav: invalid format %s", f)
	}
	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, f.SampleRate, 16, f.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           BytesToInts(pcm),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	return ws.buf, nil
}

// DecodeWAV extracts 16-bit PCM and its format from a WAV container.
// Sources with another bit depth are rescaled to 16 bits.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, errors.New("audio: decode wav: not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	f := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	samples := buf.Data
	if depth := int(dec.BitDepth); depth != 16 && depth > 0 {
		samples = rescale(samples, depth)
	}
	return IntsToBytes(samples), f, nil
}

func rescale(samples []int, fromDepth int) []int {
	out := make([]int, len(samples))
	shift := fromDepth - 16
	for i, s := range samples {
		switch {
		case shift > 0:
			out[i] = s >> shift
		case fromDepth == 8:
			// 8-bit WAV is unsigned.
			out[i] = (s - 128) << 8
		default:
			out[i] = s << -shift
		}
	}
	return out
}

// writeSeeker is an in-memory io.WriteSeeker for the WAV encoder, which
// seeks back to patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if need := w.pos + len(p); need > len(w.buf) {
		w.buf = append(w.buf, make([]byte, need-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("audio: seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("audio: seek: negative position")
	}
	w.pos = int(abs)
	return abs, nil
}
