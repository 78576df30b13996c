package amf

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// AMF3 type markers. The desktop clients advertise object encoding 3 and
// frame each value as 0x11 | amf3-value in command messages.
const (
	amf3Undefined = 0x00
	amf3Null      = 0x01
	amf3False     = 0x02
	amf3True      = 0x03
	amf3Integer   = 0x04
	amf3Double    = 0x05
	amf3String    = 0x06
	amf3Date      = 0x08
	amf3Array     = 0x09
	amf3Object    = 0x0A
)

type amf3Traits struct {
	className string
	sealed    []string
	dynamic   bool
}

// amf3Reader carries the string, complex-object and traits reference
// tables, which persist for the lifetime of one message body.
type amf3Reader struct {
	strings []string
	objects []interface{}
	traits  []amf3Traits
}

func newAMF3Reader() *amf3Reader {
	return &amf3Reader{}
}

func (a *amf3Reader) readU29(r *Reader) (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		if i == 3 {
			return v<<8 | uint32(b), nil
		}
		v = v<<7 | uint32(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return v, nil
}

func (a *amf3Reader) readString(r *Reader) (string, error) {
	ref, err := a.readU29(r)
	if err != nil {
		return "", err
	}
	if ref&1 == 0 { // reference
		idx := int(ref >> 1)
		if idx >= len(a.strings) {
			return "", errors.Errorf("amf: AMF3 string reference %d out of range", idx)
		}
		return a.strings[idx], nil
	}
	b, err := r.take(int(ref >> 1))
	if err != nil {
		return "", err
	}
	s := string(b)
	if s != "" { // the empty string is never added to the table
		a.strings = append(a.strings, s)
	}
	return s, nil
}

func (a *amf3Reader) read(r *Reader) (interface{}, error) {
	marker, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case amf3Undefined, amf3Null:
		return nil, nil
	case amf3False:
		return false, nil
	case amf3True:
		return true, nil
	case amf3Integer:
		v, err := a.readU29(r)
		if err != nil {
			return nil, err
		}
		// sign-extend the 29-bit value
		if v&0x10000000 != 0 {
			return float64(int32(v | 0xe0000000)), nil
		}
		return float64(v), nil
	case amf3Double:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case amf3String:
		return a.readString(r)
	case amf3Date:
		ref, err := a.readU29(r)
		if err != nil {
			return nil, err
		}
		if ref&1 == 0 {
			return a.objectRef(ref)
		}
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		t := time.UnixMilli(int64(math.Float64frombits(binary.BigEndian.Uint64(b)))).UTC()
		a.objects = append(a.objects, t)
		return t, nil
	case amf3Array:
		return a.readArray(r)
	case amf3Object:
		return a.readObject(r)
	default:
		return nil, errors.Errorf("amf: unsupported AMF3 marker 0x%02x", marker)
	}
}

func (a *amf3Reader) objectRef(ref uint32) (interface{}, error) {
	idx := int(ref >> 1)
	if idx >= len(a.objects) {
		return nil, errors.Errorf("amf: AMF3 object reference %d out of range", idx)
	}
	return a.objects[idx], nil
}

func (a *amf3Reader) readArray(r *Reader) (interface{}, error) {
	ref, err := a.readU29(r)
	if err != nil {
		return nil, err
	}
	if ref&1 == 0 {
		return a.objectRef(ref)
	}
	dense := int(ref >> 1)
	// associative part: if present, the array degrades to an object
	assoc := NewObject()
	for {
		key, err := a.readString(r)
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		v, err := a.read(r)
		if err != nil {
			return nil, err
		}
		assoc.Set(key, v)
	}
	arr := make([]interface{}, 0, dense)
	a.objects = append(a.objects, arr)
	slot := len(a.objects) - 1
	for i := 0; i < dense; i++ {
		v, err := a.read(r)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	a.objects[slot] = arr
	if assoc.Len() > 0 {
		for i, v := range arr {
			assoc.Set(string(rune('0'+i)), v)
		}
		return assoc, nil
	}
	return arr, nil
}

func (a *amf3Reader) readObject(r *Reader) (interface{}, error) {
	ref, err := a.readU29(r)
	if err != nil {
		return nil, err
	}
	if ref&1 == 0 {
		return a.objectRef(ref)
	}
	var tr amf3Traits
	if ref&2 == 0 { // traits reference
		idx := int(ref >> 2)
		if idx >= len(a.traits) {
			return nil, errors.Errorf("amf: AMF3 traits reference %d out of range", idx)
		}
		tr = a.traits[idx]
	} else {
		if ref&4 != 0 {
			return nil, errors.New("amf: externalizable AMF3 objects are not supported")
		}
		tr.dynamic = ref&8 != 0
		count := int(ref >> 4)
		if tr.className, err = a.readString(r); err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			name, err := a.readString(r)
			if err != nil {
				return nil, err
			}
			tr.sealed = append(tr.sealed, name)
		}
		a.traits = append(a.traits, tr)
	}
	obj := NewObject()
	a.objects = append(a.objects, obj)
	for _, name := range tr.sealed {
		v, err := a.read(r)
		if err != nil {
			return nil, err
		}
		obj.Set(name, v)
	}
	if tr.dynamic {
		for {
			key, err := a.readString(r)
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			v, err := a.read(r)
			if err != nil {
				return nil, err
			}
			obj.Set(key, v)
		}
	}
	return obj, nil
}

type amf3Writer struct {
	strings map[string]int
	objects map[*Object]int
}

func newAMF3Writer() *amf3Writer {
	return &amf3Writer{strings: make(map[string]int), objects: make(map[*Object]int)}
}

func (a *amf3Writer) writeU29(w *Writer, v uint32) {
	switch {
	case v < 0x80:
		w.buf = append(w.buf, byte(v))
	case v < 0x4000:
		w.buf = append(w.buf, byte(v>>7|0x80), byte(v&0x7f))
	case v < 0x200000:
		w.buf = append(w.buf, byte(v>>14|0x80), byte(v>>7|0x80), byte(v&0x7f))
	default:
		w.buf = append(w.buf, byte(v>>22|0x80), byte(v>>15|0x80), byte(v>>8|0x80), byte(v))
	}
}

func (a *amf3Writer) writeString(w *Writer, s string) {
	if s != "" {
		if idx, ok := a.strings[s]; ok {
			a.writeU29(w, uint32(idx)<<1)
			return
		}
		a.strings[s] = len(a.strings)
	}
	a.writeU29(w, uint32(len(s))<<1|1)
	w.buf = append(w.buf, s...)
}

func (a *amf3Writer) write(w *Writer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		w.buf = append(w.buf, amf3Null)
	case bool:
		if vv {
			w.buf = append(w.buf, amf3True)
		} else {
			w.buf = append(w.buf, amf3False)
		}
	case float64:
		if vv == math.Trunc(vv) && vv >= -268435456 && vv < 268435456 {
			w.buf = append(w.buf, amf3Integer)
			a.writeU29(w, uint32(int32(vv))&0x1fffffff)
		} else {
			w.buf = append(w.buf, amf3Double)
			w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(vv))
		}
	case int:
		return a.write(w, float64(vv))
	case string:
		w.buf = append(w.buf, amf3String)
		a.writeString(w, vv)
	case time.Time:
		w.buf = append(w.buf, amf3Date)
		a.writeU29(w, 1)
		w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(float64(vv.UnixMilli())))
	case []interface{}:
		w.buf = append(w.buf, amf3Array)
		a.writeU29(w, uint32(len(vv))<<1|1)
		a.writeString(w, "") // no associative part
		for _, e := range vv {
			if err := a.write(w, e); err != nil {
				return err
			}
		}
	case *Object:
		w.buf = append(w.buf, amf3Object)
		if idx, ok := a.objects[vv]; ok {
			a.writeU29(w, uint32(idx)<<1)
			return nil
		}
		a.objects[vv] = len(a.objects)
		a.writeU29(w, 0x0b) // dynamic, no sealed members, traits inline
		a.writeString(w, "")
		for _, key := range vv.Keys() {
			a.writeString(w, key)
			val, _ := vv.Get(key)
			if err := a.write(w, val); err != nil {
				return err
			}
		}
		a.writeString(w, "")
	case map[string]interface{}:
		obj := NewObject()
		for k, val := range vv {
			obj.Set(k, val)
		}
		return a.write(w, obj)
	default:
		return errors.Errorf("amf: unsupported AMF3 value type %T", v)
	}
	return nil
}
