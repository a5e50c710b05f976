/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

var (
	// ErrUnsupportedFormat is returned when neither the content nor the ref name
	// identify a known audio container.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrEmptySource is returned for sources that decode to zero frames.
	ErrEmptySource = errors.New("audio source is empty")
)

// Decode failure stages reported in DecodeError.Op.
const (
	OpFetch  = "fetch"
	OpSniff  = "sniff"
	OpDecode = "decode"
)

// DecodeError reports a failed fetch or decode for one source.
type DecodeError struct {
	Ref string
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Ref, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Format identifies an audio container.
type Format string

const (
	FormatWAV    Format = "wav"
	FormatMP3    Format = "mp3"
	FormatFLAC   Format = "flac"
	FormatVorbis Format = "vorbis"
)

// sniffFormat identifies the container from magic bytes, falling back to the
// extension of ref.
func sniffFormat(data []byte, ref string) (Format, error) {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV, nil
	case len(data) >= 4 && string(data[0:4]) == "fLaC":
		return FormatFLAC, nil
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return FormatVorbis, nil
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3, nil
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3, nil
	}

	switch refExt(ref) {
	case ".wav", ".wave":
		return FormatWAV, nil
	case ".mp3":
		return FormatMP3, nil
	case ".flac":
		return FormatFLAC, nil
	case ".ogg", ".oga":
		return FormatVorbis, nil
	}
	return "", ErrUnsupportedFormat
}

func refExt(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

func openDecoder(format Format, data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	r := bytes.NewReader(data)
	switch format {
	case FormatWAV:
		return wav.Decode(r)
	case FormatMP3:
		return mp3.Decode(io.NopCloser(r))
	case FormatFLAC:
		return flac.Decode(r)
	case FormatVorbis:
		return vorbis.Decode(io.NopCloser(r))
	}
	return nil, beep.Format{}, ErrUnsupportedFormat
}

// decodePCM decodes data fully into a buffer at the target rate.
func decodePCM(format Format, data []byte, target beep.SampleRate) (*beep.Buffer, beep.Format, error) {
	streamer, srcFormat, err := openDecoder(format, data)
	if err != nil {
		return nil, beep.Format{}, err
	}
	defer streamer.Close()

	var s beep.Streamer = streamer
	if srcFormat.SampleRate != target {
		s = beep.Resample(4, srcFormat.SampleRate, target, streamer)
	}

	pcm := beep.NewBuffer(beep.Format{SampleRate: target, NumChannels: 2, Precision: 3})
	pcm.Append(s)
	if err := streamer.Err(); err != nil {
		return nil, srcFormat, err
	}
	if pcm.Len() == 0 {
		return nil, srcFormat, ErrEmptySource
	}
	return pcm, srcFormat, nil
}
