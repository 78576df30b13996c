package rtmp

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/codingpa-ws/siprtmp/amf"
)

// Command is a decoded RPC or data message: (name, id, body, args...).
type Command struct {
	Type uint8
	Name string
	ID   float64
	Body interface{}
	Args []interface{}
}

// ConnectParams is the typed view of the connect command body.
type ConnectParams struct {
	App            string  `mapstructure:"app"`
	FlashVer       string  `mapstructure:"flashVer"`
	SwfURL         string  `mapstructure:"swfUrl"`
	TcURL          string  `mapstructure:"tcUrl"`
	PageURL        string  `mapstructure:"pageUrl"`
	ObjectEncoding float64 `mapstructure:"objectEncoding"`
}

// ConnectParamsFrom maps the command body object into ConnectParams.
func ConnectParamsFrom(body interface{}) (ConnectParams, error) {
	var p ConnectParams
	obj, ok := body.(*amf.Object)
	if !ok {
		return p, errors.New("rtmp: connect command body is not an object")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &p, WeaklyTypedInput: true})
	if err != nil {
		return p, err
	}
	return p, dec.Decode(obj.Map())
}

// CommandFromMessage decodes a command from an RPC/data message. RPC3 and
// data3 bodies are an AMF0 stream behind a leading zero byte.
func CommandFromMessage(msg *Message) (*Command, error) {
	if !msg.IsCommand() && !msg.IsData() {
		return nil, errors.Errorf("rtmp: message type 0x%02x is not a command", msg.Header.Type)
	}
	data := msg.Data
	if len(data) == 0 {
		return nil, errors.Wrap(ErrFraming, "zero length command data")
	}
	if msg.Header.Type == TypeRPC3 || msg.Header.Type == TypeData3 {
		if data[0] != 0x00 {
			return nil, errors.Wrap(ErrFraming, "AMF3 command without leading zero")
		}
		data = data[1:]
	}

	r := amf.NewReader(data)
	name, err := r.Read()
	if err != nil {
		return nil, err
	}
	nameStr, ok := name.(string)
	if !ok {
		return nil, errors.Wrap(ErrFraming, "command name is not a string")
	}
	cmd := &Command{Type: msg.Header.Type, Name: nameStr}
	if msg.IsCommand() {
		id, err := r.Read()
		if err != nil {
			return nil, err
		}
		cmd.ID, _ = id.(float64)
		if r.Remaining() > 0 {
			if cmd.Body, err = r.Read(); err != nil {
				return nil, err
			}
		}
	}
	for r.Remaining() > 0 {
		arg, err := r.Read()
		if err != nil {
			return nil, err
		}
		cmd.Args = append(cmd.Args, arg)
	}
	return cmd, nil
}

// ToMessage encodes the command for the given stream and timestamp.
func (c *Command) ToMessage(streamID, time uint32) (*Message, error) {
	w := amf.NewWriter()
	if err := w.Write(c.Name); err != nil {
		return nil, err
	}
	if c.Type == TypeRPC || c.Type == TypeRPC3 {
		if err := w.Write(c.ID); err != nil {
			return nil, err
		}
		if err := w.Write(c.Body); err != nil {
			return nil, err
		}
	}
	for _, arg := range c.Args {
		if err := w.Write(arg); err != nil {
			return nil, err
		}
	}
	data := w.Bytes()
	if c.Type == TypeRPC3 || c.Type == TypeData3 {
		data = append([]byte{0x00}, data...)
	}
	return NewMessage(c.Type, streamID, time, data), nil
}

// statusObject builds the conventional onStatus/result info object.
func statusObject(level, code, description string) *amf.Object {
	return amf.NewObject().
		Set("level", level).
		Set("code", code).
		Set("description", description)
}
