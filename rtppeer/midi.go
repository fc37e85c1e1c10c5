package rtppeer

import "fmt"

// channelVoiceDataLen returns the number of data bytes that follow a
// channel voice status byte (0x80-0xEF), or -1 if status is not one.
func channelVoiceDataLen(status byte) int {
	switch status & 0xF0 {
	case 0x80, 0x90, 0xA0, 0xB0, 0xE0:
		return 2
	case 0xC0, 0xD0:
		return 1
	default:
		return -1
	}
}

// systemCommonDataLen returns the number of data bytes that follow a
// system common status byte (0xF1-0xF7, excluding 0xF0 sysex which is
// handled separately): MTC quarter frame and song select take one, song
// position pointer takes two, tune request and the reserved 0xF4/0xF5
// take none.
func systemCommonDataLen(status byte) int {
	switch status {
	case 0xF1, 0xF3:
		return 1
	case 0xF2:
		return 2
	default: // 0xF4, 0xF5, 0xF6, 0xF7
		return 0
	}
}

// decodeRunningStatusMessages splits a midi_list payload into complete
// MIDI 1.0 messages, each with an explicit leading status byte -- even
// when the wire form omitted it by relying on running status. Running
// status resets at the start of every call: per-packet, not carried
// across RTP packet boundaries (the source protocol is silent on this;
// see the design notes for why that's the safer reading).
func decodeRunningStatusMessages(list []byte) ([][]byte, error) {
	var out [][]byte
	var running byte
	i := 0
	for i < len(list) {
		b := list[i]

		if b < 0x80 {
			if running == 0 {
				return nil, fmt.Errorf("rtppeer: data byte %#x with no running status", b)
			}
			n := channelVoiceDataLen(running)
			if n < 0 {
				return nil, fmt.Errorf("rtppeer: running status %#x cannot take data bytes", running)
			}
			if i+n > len(list) {
				return nil, fmt.Errorf("rtppeer: truncated midi message")
			}
			msg := make([]byte, 0, n+1)
			msg = append(msg, running)
			msg = append(msg, list[i:i+n]...)
			out = append(out, msg)
			i += n
			continue
		}

		switch {
		case b >= 0xF8: // system realtime: single byte, does not touch running status
			out = append(out, []byte{b})
			i++

		case b == 0xF0: // sysex: runs until 0xF7 (inclusive, if present)
			j := i + 1
			for j < len(list) && list[j] != 0xF7 {
				j++
			}
			end := j
			if j < len(list) {
				end = j + 1
			}
			msg := make([]byte, end-i)
			copy(msg, list[i:end])
			out = append(out, msg)
			i = end
			running = 0

		case b >= 0xF1 && b <= 0xF7: // system common: clears running status
			n := systemCommonDataLen(b)
			if i+1+n > len(list) {
				return nil, fmt.Errorf("rtppeer: truncated midi message")
			}
			msg := make([]byte, 0, n+1)
			msg = append(msg, b)
			msg = append(msg, list[i+1:i+1+n]...)
			out = append(out, msg)
			i += 1 + n
			running = 0

		default: // new channel voice status byte
			n := channelVoiceDataLen(b)
			if n < 0 {
				return nil, fmt.Errorf("rtppeer: unsupported status byte %#x", b)
			}
			if i+1+n > len(list) {
				return nil, fmt.Errorf("rtppeer: truncated midi message")
			}
			msg := make([]byte, 0, n+1)
			msg = append(msg, b)
			msg = append(msg, list[i+1:i+1+n]...)
			out = append(out, msg)
			running = b
			i += 1 + n
		}
	}
	return out, nil
}
