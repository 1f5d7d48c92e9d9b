package wire

// Reader walks a frame with a sticky error: after the first failure every
// read returns the zero value and Err reports the first failure.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Err() error     { return r.err }
func (r *Reader) Offset() int    { return r.off }
func (r *Reader) Len() int       { return len(r.buf) - r.off }
func (r *Reader) EOF() bool      { return r.off >= len(r.buf) }
func (r *Reader) Rest() []byte   { return r.buf[min(r.off, len(r.buf)):] }
func (r *Reader) Bytes() []byte  { return r.buf }
func (r *Reader) failed() bool   { return r.err != nil }
func (r *Reader) fail(err error) { r.err = err }

func (r *Reader) Skip(n int) {
	if r.failed() {
		return
	}
	if err := need(r.buf, r.off, n); err != nil {
		r.fail(err)
		return
	}
	r.off += n
}

func (r *Reader) U8() uint8 {
	if r.failed() {
		return 0
	}
	v, next, err := ReadU8(r.buf, r.off)
	if err != nil {
		r.fail(err)
		return 0
	}
	r.off = next
	return v
}

func (r *Reader) U16() uint16 {
	if r.failed() {
		return 0
	}
	v, next, err := ReadU16(r.buf, r.off)
	if err != nil {
		r.fail(err)
		return 0
	}
	r.off = next
	return v
}

func (r *Reader) U32() uint32 {
	if r.failed() {
		return 0
	}
	v, next, err := ReadU32(r.buf, r.off)
	if err != nil {
		r.fail(err)
		return 0
	}
	r.off = next
	return v
}

func (r *Reader) I32() int32 { return int32(r.U32()) }

func (r *Reader) F32() float32 {
	if r.failed() {
		return 0
	}
	v, next, err := ReadF32(r.buf, r.off)
	if err != nil {
		r.fail(err)
		return 0
	}
	r.off = next
	return v
}

func (r *Reader) F64() float64 {
	if r.failed() {
		return 0
	}
	v, next, err := ReadF64(r.buf, r.off)
	if err != nil {
		r.fail(err)
		return 0
	}
	r.off = next
	return v
}

func (r *Reader) VarUint() uint32 {
	if r.failed() {
		return 0
	}
	v, next, err := ReadVarUint(r.buf, r.off)
	if err != nil {
		r.fail(err)
		return 0
	}
	r.off = next
	return v
}

func (r *Reader) String() string {
	if r.failed() {
		return ""
	}
	v, next, err := ReadString(r.buf, r.off)
	if err != nil {
		r.fail(err)
		return ""
	}
	r.off = next
	return v
}

func (r *Reader) ZString() string {
	if r.failed() {
		return ""
	}
	v, next, err := ReadZString(r.buf, r.off)
	if err != nil {
		r.fail(err)
		return ""
	}
	r.off = next
	return v
}
