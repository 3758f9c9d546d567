package media

import (
	opus "gopkg.in/hraban/opus.v2"
)

const (
	opusSampleRate = 48000
	opusChannels   = 1

	// 120ms at 48kHz is the largest frame opus allows.
	opusMaxFrameSamples = opusSampleRate * 120 / 1000
)

// opusDecoder decodes opus payloads (from RTP or an encoded track reader)
// into mono 16-bit PCM at 48kHz.
type opusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, err
	}
	return &opusDecoder{
		dec: dec,
		pcm: make([]int16, opusMaxFrameSamples*opusChannels),
	}, nil
}

// decode returns the decoded samples for one opus frame. The returned slice
// is only valid until the next decode call.
func (d *opusDecoder) decode(payload []byte) ([]int16, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, err
	}
	return d.pcm[:n*opusChannels], nil
}
