package protocol

// Reassembler accumulates stream chunks and yields complete frames. The
// read offset never exceeds the buffer length; once every buffered byte
// is consumed the buffer is dropped, so frames handed out earlier are
// never overwritten.
type Reassembler struct {
	buf   []byte
	off   int
	limit int
}

// compactAt bounds how many consumed bytes may sit in front of a partial
// frame before they are released.
const compactAt = 64 << 10

// NewReassembler returns a reassembler that rejects frames longer than
// limit bytes. A limit of 0 means no limit.
func NewReassembler(limit int) *Reassembler { return &Reassembler{limit: limit} }

// Feed appends a received chunk.
func (r *Reassembler) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if r.off >= compactAt {
		r.buf = append([]byte(nil), r.buf[r.off:]...)
		r.off = 0
	}
	r.buf = append(r.buf, chunk...)
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. After an error the buffered bytes are discarded; the stream is
// no longer in sync.
func (r *Reassembler) Next() (f Frame, ok bool, err error) {
	avail := r.buf[r.off:]
	if len(avail) == 0 {
		return Frame{}, false, nil
	}
	if !validCommandByte(avail[0]) {
		cmd := avail[0]
		r.Reset()
		return Frame{}, false, &Error{Code: CodeRemoteBadFrame, Msg: "invalid command byte", Cmd: cmd}
	}
	n := NextFrameLength(avail)
	if r.limit > 0 && n > r.limit {
		r.Reset()
		return Frame{}, false, NewError(CodeRemoteBadFrame, "frame of %d bytes exceeds limit %d", n, r.limit)
	}
	if n > len(avail) {
		return Frame{}, false, nil
	}
	f, err = DecodeFrame(avail[:n])
	r.off += n
	if r.off == len(r.buf) {
		r.buf = nil
		r.off = 0
	}
	if err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}

// Buffered reports the number of unconsumed bytes.
func (r *Reassembler) Buffered() int { return len(r.buf) - r.off }

// Reset drops all buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.off = 0
}
