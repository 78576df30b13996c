package rtmfp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Streams is the rendezvous-side stream registry: ids handed out by
// createStream, publications and their listeners.
type Streams struct {
	nextID       uint32
	ids          map[uint32]bool
	publications map[string]*Publication
}

func newStreams() *Streams {
	return &Streams{ids: make(map[uint32]bool), publications: make(map[string]*Publication)}
}

func (st *Streams) create() uint32 {
	st.nextID++
	for st.nextID == 0 || st.ids[st.nextID] {
		st.nextID++
	}
	st.ids[st.nextID] = true
	return st.nextID
}

func (st *Streams) destroy(id uint32) {
	delete(st.ids, id)
	for name, pub := range st.publications {
		if pub.publisherID == id {
			pub.publisherID = 0
			pub.notifyUnpublish(name)
		}
		delete(pub.listeners, id)
		pub.dropIfIdle(st, name)
	}
}

func (st *Streams) publication(name string) *Publication {
	pub, ok := st.publications[name]
	if !ok {
		pub = &Publication{name: name, listeners: make(map[uint32]*Listener)}
		st.publications[name] = pub
	}
	return pub
}

func (st *Streams) publish(id uint32, name string) (*Publication, error) {
	pub := st.publication(name)
	if pub.publisherID != 0 {
		return nil, errors.Errorf("rtmfp: %q is already publishing", name)
	}
	pub.publisherID = id
	pub.notifyPublish(name)
	return pub, nil
}

func (st *Streams) unpublish(id uint32, name string) {
	pub, ok := st.publications[name]
	if !ok || pub.publisherID != id {
		return
	}
	pub.publisherID = 0
	pub.notifyUnpublish(name)
	pub.dropIfIdle(st, name)
}

func (st *Streams) subscribe(id uint32, name string, writer *FlowWriter) *Listener {
	pub := st.publication(name)
	listener := newListener(id, pub, writer)
	pub.listeners[id] = listener
	return listener
}

func (st *Streams) unsubscribe(id uint32, name string) {
	pub, ok := st.publications[name]
	if !ok {
		return
	}
	if l, ok := pub.listeners[id]; ok {
		l.close()
		delete(pub.listeners, id)
	}
	pub.dropIfIdle(st, name)
}

// Publication is one published name with its listener fan-out.
type Publication struct {
	name        string
	publisherID uint32
	listeners   map[uint32]*Listener
}

func (p *Publication) notifyPublish(name string) {
	for _, l := range p.listeners {
		l.startPublishing(name)
	}
}

func (p *Publication) notifyUnpublish(name string) {
	for _, l := range p.listeners {
		l.stopPublishing(name)
	}
}

func (p *Publication) dropIfIdle(st *Streams, name string) {
	if p.publisherID == 0 && len(p.listeners) == 0 {
		delete(st.publications, name)
	}
}

func (p *Publication) pushAudio(tm uint32, data []byte) {
	for _, l := range p.listeners {
		l.pushAudioPacket(tm, data)
	}
}

func (p *Publication) pushVideo(tm uint32, data []byte) {
	for _, l := range p.listeners {
		l.pushVideoPacket(tm, data)
	}
}

// Listener is one subscriber of a publication: the main writer for status
// messages plus one media writer per track, all bound together.
type Listener struct {
	id          uint32
	publication *Publication
	writer      *FlowWriter
	audioWriter *FlowWriter
	videoWriter *FlowWriter

	boundID       uint32
	deltaTime     uint32
	addingTime    uint32
	lastTime      uint32
	firstKeyFrame bool

	audioQoS QoS
	videoQoS QoS
}

func newListener(id uint32, pub *Publication, writer *FlowWriter) *Listener {
	l := &Listener{id: id, publication: pub, writer: writer}
	l.audioWriter = newFlowWriter(writer.signature, writer.session)
	l.videoWriter = newFlowWriter(writer.signature, writer.session)
	l.audioWriter.onReset = func(uint32) { l.audioQoS.reset(); l.writeBounds() }
	l.videoWriter.onReset = func(uint32) { l.videoQoS.reset(); l.writeBounds() }
	l.audioWriter.onAck = func(content []byte, lost int) {
		if len(content) >= 5 {
			tm, _ := mediaTime(content[1:5])
			l.audioQoS.add(tm, 1, lost)
		}
	}
	l.videoWriter.onAck = func(content []byte, lost int) {
		if len(content) >= 5 {
			tm, _ := mediaTime(content[1:5])
			l.videoQoS.add(tm, 1, lost)
		}
	}
	l.writeBounds()
	return l
}

func (l *Listener) close() {
	l.audioWriter.close()
	l.videoWriter.close()
}

// writeBound ties the three writers of this listener to one bound id.
func (l *Listener) writeBound(w *FlowWriter) {
	data := make([]byte, 10)
	binary.BigEndian.PutUint16(data[0:2], 0x22)
	binary.BigEndian.PutUint32(data[2:6], l.boundID)
	binary.BigEndian.PutUint32(data[6:10], 3) // tracks
	w.WriteRawMessage(data, false)
}

func (l *Listener) writeBounds() {
	l.writeBound(l.videoWriter)
	l.writeBound(l.audioWriter)
	l.writeBound(l.writer)
	l.boundID++
}

func (l *Listener) startPublishing(name string) {
	_ = l.writer.WriteStatus("NetStream.Play.PublishNotify", "\""+name+"\" is now published")
	l.firstKeyFrame = false
}

func (l *Listener) stopPublishing(name string) {
	_ = l.writer.WriteStatus("NetStream.Play.UnpublishNotify", "\""+name+"\" is now unpublished")
	l.deltaTime, l.addingTime = 0, l.lastTime
}

// computeTime rebases the publisher clock so each listener starts at zero
// and survives publisher restarts.
func (l *Listener) computeTime(tm uint32) uint32 {
	if tm == 0 {
		tm = 1
	}
	if l.deltaTime == 0 && l.addingTime == 0 {
		l.deltaTime = tm
	}
	if l.deltaTime > tm {
		l.deltaTime = tm
	}
	l.lastTime = tm - l.deltaTime + l.addingTime
	return l.lastTime
}

func (l *Listener) pushAudioPacket(tm uint32, data []byte) {
	l.audioWriter.WriteMedia(payloadAudio, l.computeTime(tm), data, true)
}

func (l *Listener) pushVideoPacket(tm uint32, data []byte) {
	// hold inter frames until the first key frame
	if len(data) > 0 && data[0]&0xf0 == 0x10 {
		l.firstKeyFrame = true
	}
	if !l.firstKeyFrame {
		return
	}
	l.videoWriter.WriteMedia(payloadVideo, l.computeTime(tm), data, true)
}

func (l *Listener) flush() {
	l.audioWriter.flush()
	l.videoWriter.flush()
	l.writer.flush()
}
