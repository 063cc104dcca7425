// Package audio describes the raw audio encodings the pipeline passes between
// the client and the speech vendors. Audio itself is never transcoded.
package audio

import "fmt"

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

// ParseEncodingInfo validates a configured encoding.
func ParseEncodingInfo(sampleRate int, format string) (EncodingInfo, error) {
	encoding := EncodingInfo{SampleRate: sampleRate, Format: encodingFormat(format)}
	if encoding.Format.ByteSize() < 0 {
		return EncodingInfo{}, fmt.Errorf("unsupported audio format %q", format)
	}
	if sampleRate <= 0 {
		return EncodingInfo{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return encoding, nil
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	}

	return 0
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
