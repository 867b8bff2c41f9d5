package oftp

import (
	"errors"
	"io"
)

// Sub-record header bits
const (
	subRecordEoR    = 0x80
	subRecordRepeat = 0x40
	subRecordMask   = 0x3F

	maxSubRecord = 63
	minRepeatRun = 5
)

// subRecordEncoder turns a FileReader into Data command payloads. Bytes that
// did not fit into one command stay pending for the next.
type subRecordEncoder struct {
	r        FileReader
	compress bool

	chunk [maxSubRecord]byte
	start int
	pend  int
	eor   bool // pending bytes end a record

	lastEoR bool // last emitted header carried the end-of-record bit
	ended   bool // reader reported io.EOF
	needEoR bool // a lone end-of-record header is owed

	units int64
}

func newSubRecordEncoder(r FileReader, compress bool) *subRecordEncoder {
	return &subRecordEncoder{r: r, compress: compress}
}

// done reports whether the reader is drained and every header is emitted.
func (e *subRecordEncoder) done() bool {
	return e.ended && e.pend == 0 && !e.needEoR
}

// fill writes sub-records into dst and returns the number of bytes used.
func (e *subRecordEncoder) fill(dst []byte) (int, error) {
	n := 0
	for {
		if e.pend == 0 {
			if e.needEoR {
				if n >= len(dst) {
					return n, nil
				}
				dst[n] = subRecordEoR
				n++
				e.needEoR = false
				e.lastEoR = true
				continue
			}
			if e.ended {
				return n, nil
			}
			if err := e.read(); err != nil {
				return n, err
			}
			continue
		}

		space := len(dst) - n
		if space < 2 {
			return n, nil
		}

		if e.compress {
			if run := e.runAt(e.start); run >= minRepeatRun {
				last := run == e.pend
				hdr := byte(run) | subRecordRepeat
				if last && e.eor {
					hdr |= subRecordEoR
				}
				dst[n] = hdr
				dst[n+1] = e.chunk[e.start]
				n += 2
				e.consume(run)
				continue
			}
		}

		lit := e.pend
		if e.compress {
			lit = e.literalAt(e.start)
		}
		if lit > space-1 {
			lit = space - 1
		}
		hdr := byte(lit)
		if lit == e.pend && e.eor {
			hdr |= subRecordEoR
		}
		dst[n] = hdr
		copy(dst[n+1:], e.chunk[e.start:e.start+lit])
		n += 1 + lit
		e.consume(lit)
	}
}

func (e *subRecordEncoder) consume(k int) {
	e.start += k
	e.pend -= k
	e.lastEoR = e.pend == 0 && e.eor
}

// runAt counts identical pending bytes starting at i.
func (e *subRecordEncoder) runAt(i int) int {
	end := e.start + e.pend
	j := i + 1
	for j < end && e.chunk[j] == e.chunk[i] {
		j++
	}
	return j - i
}

// literalAt returns the length of the literal segment at i, which ends
// where a compressible run starts.
func (e *subRecordEncoder) literalAt(i int) int {
	end := e.start + e.pend
	j := i
	for j < end {
		if e.runAt(j) >= minRepeatRun {
			break
		}
		j++
	}
	if j == i {
		j++
	}
	return j - i
}

func (e *subRecordEncoder) read() error {
	n, eor, err := e.r.Read(e.chunk[:])
	if n > 0 {
		e.start, e.pend, e.eor = 0, n, eor
		e.units += int64(n)
		return nil
	}
	if err == nil {
		return io.ErrNoProgress
	}
	if !errors.Is(err, io.EOF) {
		return err
	}

	e.ended = true
	if !e.lastEoR {
		if !eor {
			return NewFileServiceError(AnswerInvalidByteCount, false, "end of stream without end of record")
		}
		e.needEoR = true
	}
	return nil
}

// subRecordResult summarizes one decoded Data payload.
type subRecordResult struct {
	Found    bool  // at least one sub-record was present
	EoR      bool  // end-of-record bit of the last sub-record
	Units    int64 // bytes produced
	WriteErr error // first error returned by write
}

// decodeSubRecords expands a Data payload into write. After a write error no
// further writes happen, but the payload is still validated.
func decodeSubRecords(c *command, write func(p []byte, eor bool) error) (subRecordResult, error) {
	var (
		res     subRecordResult
		scratch [maxSubRecord]byte
	)
	i := 1
	for i < c.length {
		hdr := c.buf[i]
		count := int(hdr & subRecordMask)
		eor := hdr&subRecordEoR != 0
		i++

		var p []byte
		if hdr&subRecordRepeat != 0 {
			if i >= c.length {
				return res, c.invalid("repeat sub-record at %d has no data byte", i-1)
			}
			for k := 0; k < count; k++ {
				scratch[k] = c.buf[i]
			}
			p = scratch[:count]
			i++
		} else {
			if i+count > c.length {
				return res, c.invalid("sub-record at %d has length %d beyond command", i-1, count)
			}
			p = c.buf[i : i+count]
			i += count
		}

		res.Found = true
		res.EoR = eor
		res.Units += int64(len(p))
		if res.WriteErr == nil {
			res.WriteErr = write(p, eor)
		}
	}
	return res, nil
}
