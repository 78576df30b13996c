package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// Format is one rtpmap entry: payload type, encoding name and clock rate.
type Format struct {
	PT   int
	Name string
	Rate int
}

// Matches compares by encoding name and clock rate; static payload types
// (< 96) also match by number alone.
func (f Format) Matches(other Format) bool {
	if strings.EqualFold(f.Name, other.Name) && f.Rate == other.Rate {
		return true
	}
	return f.PT < 96 && f.PT == other.PT
}

func (f Format) String() string {
	return fmt.Sprintf("%d %s/%d", f.PT, f.Name, f.Rate)
}

// Media is one m-line with its formats and attributes.
type Media struct {
	Type    string // audio, video
	Port    int
	Formats []Format
	Attrs   []string
}

func (m *Media) HasFormat(f Format) bool {
	for _, candidate := range m.Formats {
		if candidate.Matches(f) {
			return true
		}
	}
	return false
}

// findFormat returns the local payload-type entry matching f.
func (m *Media) findFormat(f Format) (Format, bool) {
	for _, candidate := range m.Formats {
		if candidate.Matches(f) {
			return candidate, true
		}
	}
	return Format{}, false
}

// SDP is the session description subset the bridge negotiates with:
// connection address plus the media lines.
type SDP struct {
	Conn  string // connection address; 0.0.0.0 means hold
	Media []*Media
}

func (s *SDP) MediaOfType(typ string) *Media {
	for _, m := range s.Media {
		if m.Type == typ {
			return m
		}
	}
	return nil
}

func (s *SDP) HasType(typ string) bool {
	return s.MediaOfType(typ) != nil
}

// HasFormat reports whether the description offers the format on the
// given media type.
func (s *SDP) HasFormat(typ string, f Format) bool {
	m := s.MediaOfType(typ)
	return m != nil && m.HasFormat(f)
}

// OnHold reports the 0.0.0.0 hold convention.
func (s *SDP) OnHold() bool {
	return s.Conn == "0.0.0.0"
}

// Marshal renders the subset of the session description grammar the
// signaling stack needs; o/s/t lines use fixed placeholders.
func (s *SDP) Marshal() string {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 " + s.Conn + "\r\n")
	b.WriteString("s=-\r\n")
	b.WriteString("c=IN IP4 " + s.Conn + "\r\n")
	b.WriteString("t=0 0\r\n")
	for _, m := range s.Media {
		b.WriteString("m=" + m.Type + " " + strconv.Itoa(m.Port) + " RTP/AVP")
		for _, f := range m.Formats {
			b.WriteString(" " + strconv.Itoa(f.PT))
		}
		b.WriteString("\r\n")
		for _, f := range m.Formats {
			fmt.Fprintf(&b, "a=rtpmap:%d %s/%d\r\n", f.PT, f.Name, f.Rate)
		}
		for _, attr := range m.Attrs {
			b.WriteString("a=" + attr + "\r\n")
		}
	}
	return b.String()
}

// ParseSDP reads the same subset back.
func ParseSDP(text string) (*SDP, error) {
	s := &SDP{}
	var current *Media
	rtpmap := map[int]Format{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'c':
			fields := strings.Fields(value)
			if len(fields) == 3 {
				s.Conn = fields[2]
			}
		case 'm':
			fields := strings.Fields(value)
			if len(fields) < 4 {
				continue
			}
			port, _ := strconv.Atoi(fields[1])
			current = &Media{Type: fields[0], Port: port}
			for _, pt := range fields[3:] {
				n, err := strconv.Atoi(pt)
				if err != nil {
					continue
				}
				current.Formats = append(current.Formats, staticFormat(n))
			}
			s.Media = append(s.Media, current)
		case 'a':
			if current == nil {
				continue
			}
			if rest, ok := strings.CutPrefix(value, "rtpmap:"); ok {
				fields := strings.Fields(rest)
				if len(fields) < 2 {
					continue
				}
				pt, err := strconv.Atoi(fields[0])
				if err != nil {
					continue
				}
				parts := strings.Split(fields[1], "/")
				rate := 0
				if len(parts) > 1 {
					rate, _ = strconv.Atoi(parts[1])
				}
				rtpmap[pt] = Format{PT: pt, Name: parts[0], Rate: rate}
				for i, f := range current.Formats {
					if f.PT == pt {
						current.Formats[i] = rtpmap[pt]
					}
				}
			} else {
				current.Attrs = append(current.Attrs, value)
			}
		}
	}
	return s, nil
}

// staticFormat names the well-known static payload types used here.
func staticFormat(pt int) Format {
	switch pt {
	case 0:
		return Format{PT: 0, Name: "pcmu", Rate: 8000}
	case 8:
		return Format{PT: 8, Name: "pcma", Rate: 8000}
	default:
		return Format{PT: pt}
	}
}
