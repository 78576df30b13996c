package amf

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// AMF0 type markers.
const (
	amf0Number     = 0x00
	amf0Boolean    = 0x01
	amf0String     = 0x02
	amf0Object     = 0x03
	amf0Null       = 0x05
	amf0Undefined  = 0x06
	amf0ECMAArray  = 0x08
	amf0ObjectEnd  = 0x09
	amf0StrictArr  = 0x0A
	amf0Date       = 0x0B
	amf0LongString = 0x0C
	amf0AVMPlus    = 0x11
)

var ErrShortBuffer = errors.New("amf: short buffer")

// Reader decodes one AMF value at a time from a byte cursor.
type Reader struct {
	data []byte
	pos  int
	amf3 *amf3Reader
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining reports how many undecoded bytes are left.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, ErrShortBuffer
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read decodes the next AMF0 value. Returned Go types: float64, bool,
// string, *Object, []interface{}, time.Time or nil.
func (r *Reader) Read() (interface{}, error) {
	marker, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case amf0Number:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case amf0Boolean:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case amf0String:
		return r.readShortString()
	case amf0LongString:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		s, err := r.take(int(binary.BigEndian.Uint32(b)))
		if err != nil {
			return nil, err
		}
		return string(s), nil
	case amf0Object:
		return r.readObject()
	case amf0ECMAArray:
		// associative count is advisory; the end marker terminates
		if _, err := r.take(4); err != nil {
			return nil, err
		}
		return r.readObject()
	case amf0StrictArr:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(b))
		arr := make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			v, err := r.Read()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case amf0Date:
		b, err := r.take(10) // 8-byte millis + 2-byte tz (ignored)
		if err != nil {
			return nil, err
		}
		ms := math.Float64frombits(binary.BigEndian.Uint64(b[:8]))
		return time.UnixMilli(int64(ms)).UTC(), nil
	case amf0Null, amf0Undefined:
		return nil, nil
	case amf0AVMPlus:
		if r.amf3 == nil {
			r.amf3 = newAMF3Reader()
		}
		return r.amf3.read(r)
	default:
		return nil, errors.Errorf("amf: unsupported AMF0 marker 0x%02x", marker)
	}
}

func (r *Reader) readShortString() (string, error) {
	b, err := r.take(2)
	if err != nil {
		return "", err
	}
	s, err := r.take(int(binary.BigEndian.Uint16(b)))
	if err != nil {
		return "", err
	}
	return string(s), nil
}

func (r *Reader) readObject() (*Object, error) {
	obj := NewObject()
	for {
		key, err := r.readShortString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			end, err := r.byte()
			if err != nil {
				return nil, err
			}
			if end != amf0ObjectEnd {
				return nil, errors.Errorf("amf: expected object end, got 0x%02x", end)
			}
			return obj, nil
		}
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		obj.Set(key, v)
	}
}

// Writer encodes one AMF value at a time into a growing buffer.
type Writer struct {
	buf  []byte
	amf3 *amf3Writer
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

// Write encodes v as AMF0. Supported: nil, float64 (and the other numeric
// kinds), bool, string, *Object, map[string]interface{}, []interface{},
// time.Time.
func (w *Writer) Write(v interface{}) error {
	switch vv := v.(type) {
	case nil:
		w.buf = append(w.buf, amf0Null)
	case float64:
		w.buf = append(w.buf, amf0Number)
		w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(vv))
	case int:
		return w.Write(float64(vv))
	case int64:
		return w.Write(float64(vv))
	case uint32:
		return w.Write(float64(vv))
	case bool:
		b := byte(0)
		if vv {
			b = 1
		}
		w.buf = append(w.buf, amf0Boolean, b)
	case string:
		if len(vv) > 0xFFFF {
			w.buf = append(w.buf, amf0LongString)
			w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(vv)))
		} else {
			w.buf = append(w.buf, amf0String)
			w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(vv)))
		}
		w.buf = append(w.buf, vv...)
	case *Object:
		w.buf = append(w.buf, amf0Object)
		for _, key := range vv.Keys() {
			w.writeKey(key)
			val, _ := vv.Get(key)
			if err := w.Write(val); err != nil {
				return err
			}
		}
		w.buf = append(w.buf, 0x00, 0x00, amf0ObjectEnd)
	case map[string]interface{}:
		obj := NewObject()
		for k, val := range vv {
			obj.Set(k, val)
		}
		return w.Write(obj)
	case []interface{}:
		w.buf = append(w.buf, amf0StrictArr)
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(vv)))
		for _, e := range vv {
			if err := w.Write(e); err != nil {
				return err
			}
		}
	case time.Time:
		w.buf = append(w.buf, amf0Date)
		w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(float64(vv.UnixMilli())))
		w.buf = append(w.buf, 0x00, 0x00)
	default:
		return errors.Errorf("amf: unsupported value type %T", v)
	}
	return nil
}

// WriteAMF3 encodes v as an AVM+ envelope (AMF0 marker 0x11 followed by
// the AMF3 encoding). Reference tables persist across calls on the same
// Writer, as the peer's decoder expects.
func (w *Writer) WriteAMF3(v interface{}) error {
	if w.amf3 == nil {
		w.amf3 = newAMF3Writer()
	}
	w.buf = append(w.buf, amf0AVMPlus)
	return w.amf3.write(w, v)
}

func (w *Writer) writeKey(key string) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(key)))
	w.buf = append(w.buf, key...)
}
