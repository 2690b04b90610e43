package mediastream

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// SampleRate is the rate Twilio Media Streams delivers inbound audio at (8 kHz mono μ-law).
const SampleRate = 8000

var muLawTable [256]int16

func init() {
	for i := range muLawTable {
		muLawTable[i] = muLawToLinear(byte(i))
	}
}

// G.711 μ-law expansion.
func muLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := (int32(mantissa)<<3 + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// DecodeMuLaw converts μ-law bytes into 16-bit linear PCM samples.
func DecodeMuLaw(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = muLawTable[b]
	}
	return out
}

// EncodeWAV wraps mono 16-bit PCM samples in a RIFF/WAVE container.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataLen := len(samples) * 2
	var buf bytes.Buffer
	buf.Grow(44 + dataLen)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

// rms returns the root-mean-square amplitude of samples.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SegmenterConfig tunes end-of-utterance detection.
type SegmenterConfig struct {
	// EnergyThreshold is the RMS amplitude above which a frame counts as speech.
	EnergyThreshold float64
	// SilenceHold is how long the caller must be quiet before the utterance ends.
	SilenceHold time.Duration
	// MinSpeech discards utterances with less voiced audio than this (coughs, line noise).
	MinSpeech time.Duration
	// MaxUtterance force-ends a monologue.
	MaxUtterance time.Duration
}

// DefaultSegmenterConfig returns thresholds that work for narrowband phone audio.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		EnergyThreshold: 500,
		SilenceHold:     700 * time.Millisecond,
		MinSpeech:       200 * time.Millisecond,
		MaxUtterance:    15 * time.Second,
	}
}

func (c *SegmenterConfig) normalize() {
	def := DefaultSegmenterConfig()
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = def.EnergyThreshold
	}
	if c.SilenceHold <= 0 {
		c.SilenceHold = def.SilenceHold
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = def.MinSpeech
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = def.MaxUtterance
	}
}

// Segmenter accumulates caller audio frame by frame and cuts it into utterances using an
// energy threshold followed by a silence hold. It is not safe for concurrent use.
type Segmenter struct {
	cfg        SegmenterConfig
	sampleRate int

	speaking bool
	buf      []int16
	voiced   time.Duration
	silence  time.Duration
}

// NewSegmenter creates a segmenter for audio at sampleRate.
func NewSegmenter(cfg SegmenterConfig, sampleRate int) *Segmenter {
	cfg.normalize()
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &Segmenter{cfg: cfg, sampleRate: sampleRate}
}

func (s *Segmenter) duration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.sampleRate)
}

// Push feeds one frame. When the frame completes an utterance, the utterance samples are
// returned with ok set.
func (s *Segmenter) Push(frame []int16) (utterance []int16, ok bool) {
	if len(frame) == 0 {
		return nil, false
	}
	d := s.duration(len(frame))
	loud := rms(frame) >= s.cfg.EnergyThreshold

	if !s.speaking {
		if !loud {
			return nil, false
		}
		s.speaking = true
		s.buf = append(s.buf[:0], frame...)
		s.voiced = d
		s.silence = 0
		return nil, false
	}

	s.buf = append(s.buf, frame...)
	if loud {
		s.voiced += d
		s.silence = 0
	} else {
		s.silence += d
	}

	if s.silence >= s.cfg.SilenceHold || s.duration(len(s.buf)) >= s.cfg.MaxUtterance {
		return s.cut()
	}
	return nil, false
}

// Flush ends any utterance in progress, as when the stream stops mid-sentence.
func (s *Segmenter) Flush() ([]int16, bool) {
	if !s.speaking {
		return nil, false
	}
	return s.cut()
}

func (s *Segmenter) cut() ([]int16, bool) {
	voiced := s.voiced
	out := append([]int16(nil), s.buf...)
	s.speaking = false
	s.buf = s.buf[:0]
	s.voiced = 0
	s.silence = 0
	if voiced < s.cfg.MinSpeech {
		return nil, false
	}
	return out, true
}

// Speaking reports whether an utterance is in progress.
func (s *Segmenter) Speaking() bool {
	return s.speaking
}

// Voiced returns the amount of voiced audio in the current utterance.
func (s *Segmenter) Voiced() time.Duration {
	return s.voiced
}

// Pending returns a copy of the audio buffered for the current utterance.
func (s *Segmenter) Pending() []int16 {
	if !s.speaking {
		return nil
	}
	return append([]int16(nil), s.buf...)
}
