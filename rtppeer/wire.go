package rtppeer

import (
	"fmt"

	"github.com/davidmoreno/rtpmidid-sub001/iobytes"
)

// protocolVersion is the AppleMIDI session-protocol version carried in
// every IN/OK/NO/BY payload.
const protocolVersion = 2

// command is the two-ASCII-character opcode following the 0xFFFF marker
// on the control (and, for CK/RS, MIDI) port.
type command [2]byte

var (
	cmdIN = command{'I', 'N'}
	cmdOK = command{'O', 'K'}
	cmdNO = command{'N', 'O'}
	cmdBY = command{'B', 'Y'}
	cmdCK = command{'C', 'K'}
	cmdRS = command{'R', 'S'}
)

func (c command) String() string { return string(c[:]) }

// midiPayloadType is the RTP payload type byte (low 7 bits) used by
// RTP-MIDI data packets, per RFC 6295.
const midiPayloadType = 0x61

// commandMagic precedes every AppleMIDI command packet.
const commandMagic = 0xFFFF

// invitation is the shared payload shape of IN, OK and NO.
type invitation struct {
	InitiatorID uint32
	SSRC        uint32
	Name        string
}

func encodeInvitation(cmd command, inv invitation) []byte {
	buf := make([]byte, 16+len(inv.Name)+1)
	w := iobytes.NewWriter(buf)
	w.WriteUint16(commandMagic)
	w.WriteUint8(cmd[0])
	w.WriteUint8(cmd[1])
	w.WriteUint32(protocolVersion)
	w.WriteUint32(inv.InitiatorID)
	w.WriteUint32(inv.SSRC)
	w.WriteCString(inv.Name)
	return w.Bytes()
}

func decodeInvitation(r *iobytes.Reader) (invitation, error) {
	var inv invitation
	proto, err := r.ReadUint32()
	if err != nil {
		return inv, err
	}
	if proto != protocolVersion {
		return inv, fmt.Errorf("rtppeer: unsupported protocol version %d", proto)
	}
	if inv.InitiatorID, err = r.ReadUint32(); err != nil {
		return inv, err
	}
	if inv.SSRC, err = r.ReadUint32(); err != nil {
		return inv, err
	}
	if inv.Name, err = r.ReadCString(); err != nil {
		return inv, err
	}
	return inv, nil
}

type goodbye struct {
	InitiatorID uint32
	SSRC        uint32
}

func encodeGoodbye(gb goodbye) []byte {
	buf := make([]byte, 16)
	w := iobytes.NewWriter(buf)
	w.WriteUint16(commandMagic)
	w.WriteUint8(cmdBY[0])
	w.WriteUint8(cmdBY[1])
	w.WriteUint32(protocolVersion)
	w.WriteUint32(gb.InitiatorID)
	w.WriteUint32(gb.SSRC)
	return w.Bytes()
}

func decodeGoodbye(r *iobytes.Reader) (goodbye, error) {
	var gb goodbye
	proto, err := r.ReadUint32()
	if err != nil {
		return gb, err
	}
	if proto != protocolVersion {
		return gb, fmt.Errorf("rtppeer: unsupported protocol version %d", proto)
	}
	if gb.InitiatorID, err = r.ReadUint32(); err != nil {
		return gb, err
	}
	if gb.SSRC, err = r.ReadUint32(); err != nil {
		return gb, err
	}
	return gb, nil
}

type clockSync struct {
	SSRC  uint32
	Count uint8
	TS1   uint64
	TS2   uint64
	TS3   uint64
}

func encodeClockSync(ck clockSync) []byte {
	buf := make([]byte, 36)
	w := iobytes.NewWriter(buf)
	w.WriteUint16(commandMagic)
	w.WriteUint8(cmdCK[0])
	w.WriteUint8(cmdCK[1])
	w.WriteUint32(ck.SSRC)
	w.WriteUint8(ck.Count)
	w.WriteUint8(0)
	w.WriteUint16(0) // pad(3) total with the byte above
	w.WriteUint64(ck.TS1)
	w.WriteUint64(ck.TS2)
	w.WriteUint64(ck.TS3)
	return w.Bytes()
}

func decodeClockSync(r *iobytes.Reader) (clockSync, error) {
	var ck clockSync
	var err error
	if ck.SSRC, err = r.ReadUint32(); err != nil {
		return ck, err
	}
	if ck.Count, err = r.ReadUint8(); err != nil {
		return ck, err
	}
	if _, err = r.ReadBytes(3); err != nil { // pad
		return ck, err
	}
	if ck.TS1, err = r.ReadUint64(); err != nil {
		return ck, err
	}
	if ck.TS2, err = r.ReadUint64(); err != nil {
		return ck, err
	}
	if ck.TS3, err = r.ReadUint64(); err != nil {
		return ck, err
	}
	return ck, nil
}

type receiverFeedback struct {
	SSRC  uint32
	SeqNr uint32
}

func encodeReceiverFeedback(rs receiverFeedback) []byte {
	buf := make([]byte, 12)
	w := iobytes.NewWriter(buf)
	w.WriteUint16(commandMagic)
	w.WriteUint8(cmdRS[0])
	w.WriteUint8(cmdRS[1])
	w.WriteUint32(rs.SSRC)
	w.WriteUint32(rs.SeqNr)
	return w.Bytes()
}

func decodeReceiverFeedback(r *iobytes.Reader) (receiverFeedback, error) {
	var rs receiverFeedback
	var err error
	if rs.SSRC, err = r.ReadUint32(); err != nil {
		return rs, err
	}
	if rs.SeqNr, err = r.ReadUint32(); err != nil {
		return rs, err
	}
	return rs, nil
}

// peekCommand reports whether buf begins with the 0xFFFF command marker
// and, if so, which command follows.
func peekCommand(buf []byte) (command, bool) {
	if len(buf) < 4 {
		return command{}, false
	}
	if buf[0] != 0xFF || buf[1] != 0xFF {
		return command{}, false
	}
	return command{buf[2], buf[3]}, true
}

// --- MIDI data packet ---

type midiPacketHeader struct {
	Marker    bool
	SeqNr     uint16
	Timestamp uint32
	SSRC      uint32
}

func encodeMIDIHeader(h midiPacketHeader, w *iobytes.Writer) error {
	b0 := byte(0x80) // V=2, P=0, X=0, CC=0
	if err := w.WriteUint8(b0); err != nil {
		return err
	}
	b1 := byte(midiPayloadType)
	if h.Marker {
		b1 |= 0x80
	}
	if err := w.WriteUint8(b1); err != nil {
		return err
	}
	if err := w.WriteUint16(h.SeqNr); err != nil {
		return err
	}
	if err := w.WriteUint32(h.Timestamp); err != nil {
		return err
	}
	return w.WriteUint32(h.SSRC)
}

func decodeMIDIHeader(r *iobytes.Reader) (midiPacketHeader, error) {
	var h midiPacketHeader
	b0, err := r.ReadUint8()
	if err != nil {
		return h, err
	}
	if b0>>6 != 2 {
		return h, fmt.Errorf("rtppeer: bad RTP version byte %#x", b0)
	}
	b1, err := r.ReadUint8()
	if err != nil {
		return h, err
	}
	if b1&0x7F != midiPayloadType {
		return h, fmt.Errorf("rtppeer: unexpected payload type %#x", b1&0x7F)
	}
	h.Marker = b1&0x80 != 0
	if h.SeqNr, err = r.ReadUint16(); err != nil {
		return h, err
	}
	if h.Timestamp, err = r.ReadUint32(); err != nil {
		return h, err
	}
	if h.SSRC, err = r.ReadUint32(); err != nil {
		return h, err
	}
	return h, nil
}

// encodeMIDIList writes the length-prefixed command list, optionally
// flagging that an (empty) journal follows.
func encodeMIDIList(w *iobytes.Writer, commands []byte, withJournal bool) error {
	n := len(commands)
	if !withJournal && n <= 0x0F {
		if err := w.WriteUint8(byte(n)); err != nil {
			return err
		}
		return w.WriteBytes(commands)
	}
	if n > 0x0FFF {
		return fmt.Errorf("rtppeer: midi list too long (%d bytes)", n)
	}
	b0 := byte(0x80) | byte((n>>8)&0x0F)
	if withJournal {
		b0 |= 0x40
	}
	if err := w.WriteUint8(b0); err != nil {
		return err
	}
	if err := w.WriteUint8(byte(n & 0xFF)); err != nil {
		return err
	}
	return w.WriteBytes(commands)
}

func decodeMIDIList(r *iobytes.Reader) (commands []byte, journal bool, err error) {
	b0, err := r.ReadUint8()
	if err != nil {
		return nil, false, err
	}
	if b0&0x80 == 0 {
		n := int(b0 & 0x0F)
		commands, err = r.ReadBytes(n)
		return commands, false, err
	}
	b1, err := r.ReadUint8()
	if err != nil {
		return nil, false, err
	}
	n := (int(b0&0x0F) << 8) | int(b1)
	journal = b0&0x40 != 0
	commands, err = r.ReadBytes(n)
	return commands, journal, err
}

// encodeEmptyJournal appends the stub recovery-journal header this
// implementation speaks: a flags byte with S,Y,A,H and the channel count
// all zero (no chapters follow), and a 16-bit checkpoint sequence number.
// This is deliberately the only journal shape ever produced: loss
// recovery beyond "there was nothing to recover" is out of scope.
func encodeEmptyJournal(w *iobytes.Writer, checkpointSeq uint16) error {
	if err := w.WriteUint8(0); err != nil {
		return err
	}
	return w.WriteUint16(checkpointSeq)
}
