package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	formatPCM   = 1
	formatFloat = 3
)

// Level summarises the loudness of a WAV file.
type Level struct {
	RMSdBFS    float64
	PeakdBFS   float64
	Samples    int64
	SampleRate uint32
	Channels   uint16
}

// Duration is the playback length implied by the sample count.
func (l Level) Duration() time.Duration {
	if l.SampleRate == 0 || l.Channels == 0 {
		return 0
	}
	frames := l.Samples / int64(l.Channels)
	return time.Duration(frames) * time.Second / time.Duration(l.SampleRate)
}

// Silent reports whether the signal stays below thresholdDBFS. The peak
// may exceed the threshold by 6 dB to tolerate isolated clicks.
func (l Level) Silent(thresholdDBFS float64) bool {
	if l.Samples == 0 {
		return true
	}
	if math.IsInf(l.RMSdBFS, -1) && math.IsInf(l.PeakdBFS, -1) {
		return true
	}
	return l.RMSdBFS <= thresholdDBFS && l.PeakdBFS <= thresholdDBFS+6
}

// ProbeFile measures the WAV file at path.
func ProbeFile(path string) (Level, error) {
	f, err := os.Open(path)
	if err != nil {
		return Level{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	return Probe(f)
}

// Probe reads a RIFF/WAVE stream once, front to back. Chunks after the
// first data chunk are ignored.
func Probe(r io.Reader) (Level, error) {
	br := bufio.NewReaderSize(r, 32*1024)

	var header [12]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return Level{}, truncated(err, "read wav header")
	}
	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Level{}, ErrInvalidWAV
	}

	var (
		f      wavFormat
		hasFmt bool
	)

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(br, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Level{}, ErrInvalidWAV
			}
			return Level{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		id := string(chunk[:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			parsed, err := readFormat(br, size)
			if err != nil {
				return Level{}, err
			}
			f, hasFmt = parsed, true
		case "data":
			if !hasFmt {
				return Level{}, ErrInvalidWAV
			}
			return f.measure(io.LimitReader(br, size))
		default:
			if _, err := br.Discard(int(size + size%2)); err != nil {
				return Level{}, truncated(err, "skip wav chunk "+id)
			}
		}
	}
}

type wavFormat struct {
	code          uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

func readFormat(r *bufio.Reader, size int64) (wavFormat, error) {
	if size < 16 {
		return wavFormat{}, ErrInvalidWAV
	}

	buf := make([]byte, size+size%2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wavFormat{}, truncated(err, "read wav fmt chunk")
	}

	f := wavFormat{
		code:          binary.LittleEndian.Uint16(buf[0:2]),
		channels:      binary.LittleEndian.Uint16(buf[2:4]),
		sampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
		bitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
	}

	switch {
	case f.code == formatPCM && (f.bitsPerSample == 8 || f.bitsPerSample == 16 || f.bitsPerSample == 24 || f.bitsPerSample == 32):
	case f.code == formatFloat && (f.bitsPerSample == 32 || f.bitsPerSample == 64):
	default:
		return wavFormat{}, ErrUnsupportedWAV
	}

	return f, nil
}

func (f wavFormat) measure(r io.Reader) (Level, error) {
	width := int(f.bitsPerSample / 8)
	buf := make([]byte, 4096*width)

	var (
		peak, sumSquares float64
		samples          int64
	)

	for {
		n, err := io.ReadFull(r, buf)
		for i := 0; i+width <= n; i += width {
			v := math.Abs(f.decode(buf[i : i+width]))
			if v > peak {
				peak = v
			}
			sumSquares += v * v
			samples++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return Level{}, fmt.Errorf("read wav data: %w", err)
		}
	}

	level := Level{
		RMSdBFS:    math.Inf(-1),
		PeakdBFS:   math.Inf(-1),
		Samples:    samples,
		SampleRate: f.sampleRate,
		Channels:   f.channels,
	}
	if samples > 0 {
		level.RMSdBFS = toDBFS(math.Sqrt(sumSquares / float64(samples)))
		level.PeakdBFS = toDBFS(peak)
	}
	return level, nil
}

func (f wavFormat) decode(sample []byte) float64 {
	if f.code == formatFloat {
		if f.bitsPerSample == 32 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(sample))
	}

	switch f.bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128.0) / 128.0
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768.0
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0
	default:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648.0
	}
}

func truncated(err error, op string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
