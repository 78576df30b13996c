package amf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAMF0RoundTrip(t *testing.T) {
	obj := NewObject().
		Set("app", "sip").
		Set("objectEncoding", float64(0)).
		Set("fpad", false)

	w := NewWriter()
	require.NoError(t, w.Write("connect"))
	require.NoError(t, w.Write(float64(1)))
	require.NoError(t, w.Write(obj))
	require.NoError(t, w.Write(nil))

	r := NewReader(w.Bytes())
	name, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "connect", name)

	id, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, float64(1), id)

	decoded, err := r.Read()
	require.NoError(t, err)
	got, ok := decoded.(*Object)
	require.True(t, ok)
	assert.Equal(t, []string{"app", "objectEncoding", "fpad"}, got.Keys())
	app, _ := got.GetString("app")
	assert.Equal(t, "sip", app)

	null, err := r.Read()
	require.NoError(t, err)
	assert.Nil(t, null)
	assert.Zero(t, r.Remaining())
}

func TestAMF0PropertyOrderPreserved(t *testing.T) {
	obj := NewObject().Set("z", float64(1)).Set("a", float64(2)).Set("m", float64(3))
	w := NewWriter()
	require.NoError(t, w.Write(obj))

	r := NewReader(w.Bytes())
	v, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, v.(*Object).Keys())
}

func TestAMF0StrictArrayAndDate(t *testing.T) {
	stamp := time.UnixMilli(1234567890123).UTC()
	w := NewWriter()
	require.NoError(t, w.Write([]interface{}{float64(1), "two", nil}))
	require.NoError(t, w.Write(stamp))

	r := NewReader(w.Bytes())
	arr, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float64(1), "two", nil}, arr)

	date, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, stamp, date)
}

func TestAMF3StringReferenceRoundTrip(t *testing.T) {
	// The same string twice must be emitted once inline and once as a
	// reference, and the reader must resolve both.
	w := NewWriter()
	require.NoError(t, w.WriteAMF3("publish"))
	require.NoError(t, w.WriteAMF3("publish"))

	first := w.Bytes()
	// second value: 0x11 marker, string marker, then a reference (low bit 0)
	assert.Less(t, len(first), 2*(2+2+len("publish")))

	r := NewReader(first)
	v1, err := r.Read()
	require.NoError(t, err)
	v2, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "publish", v1)
	assert.Equal(t, "publish", v2)
}

func TestAMF3ObjectReferenceRoundTrip(t *testing.T) {
	obj := NewObject().Set("code", "NetStream.Play.Start").Set("level", "status")
	w := NewWriter()
	require.NoError(t, w.WriteAMF3(obj))
	require.NoError(t, w.WriteAMF3(obj))

	r := NewReader(w.Bytes())
	v1, err := r.Read()
	require.NoError(t, err)
	v2, err := r.Read()
	require.NoError(t, err)
	assert.Same(t, v1, v2, "second value must resolve through the object reference table")
	code, _ := v1.(*Object).GetString("code")
	assert.Equal(t, "NetStream.Play.Start", code)
}

func TestAMF3IntegerBounds(t *testing.T) {
	for _, n := range []float64{0, 1, 127, 128, 268435455, -1, -268435456} {
		w := NewWriter()
		require.NoError(t, w.WriteAMF3(n))
		r := NewReader(w.Bytes())
		v, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, n, v, "n=%v", n)
	}
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{0x00, 0x01, 0x02}) // number marker without payload
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestMetadataCaseInsensitive(t *testing.T) {
	m := Metadata{"TcUrl": "rtmp://host/sip"}
	v, err := m.GetString("tcurl")
	require.NoError(t, err)
	assert.Equal(t, "rtmp://host/sip", v)
}
