package sink

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"\r\n"

// Debug streams are for eyeballing, not archiving.
const mjpegQuality = 75

// MJPEGServer serves named debug video streams. Producers only pay for JPEG
// encoding while somebody is watching.
type MJPEGServer struct {
	m map[string]*MJPEGStream

	lock sync.Mutex
}

func NewMJPEGServer() *MJPEGServer {
	return &MJPEGServer{
		m: make(map[string]*MJPEGStream),
	}
}

func (s *MJPEGServer) NewStream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.m[name]; ok {
		log.Panicf("A stream for %q already exists", name)
	}

	ms := &MJPEGStream{
		name:   name,
		m:      make(map[chan []byte]bool),
		parent: s,
	}

	s.m[name] = ms
	return ms
}

func (s *MJPEGServer) getStream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.m[name]
}

// Names lists the streams currently being produced.
func (s *MJPEGServer) Names() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	names := make([]string, 0, len(s.m))
	for n := range s.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	stream := s.getStream(name)
	if stream == nil {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	log.WithField("addr", r.RemoteAddr).Infof("MJPEG stream connected to %v", name)
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)

	c := make(chan []byte, 1)
	stream.lock.Lock()
	stream.m[c] = true
	stream.lock.Unlock()

	defer func() {
		stream.lock.Lock()
		delete(stream.m, c)
		stream.lock.Unlock()
		log.WithField("addr", r.RemoteAddr).Infof("MJPEG stream disconnected from %v", name)
	}()

	for {
		select {
		case b := <-c:
			if _, err := w.Write(b); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

type MJPEGStream struct {
	name string
	m    map[chan []byte]bool

	parent *MJPEGServer
	lock   sync.Mutex
}

func (s *MJPEGStream) listening() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.m) > 0
}

func (s *MJPEGStream) Put(input gocv.Mat) {
	if !s.listening() {
		// Nobody is listening; don't bother encoding.
		return
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, input, []int{int(gocv.IMWriteJpegQuality), mjpegQuality})
	if err != nil {
		log.Errorf("Error encoding to JPG for MJPEG stream %v: %v", s.name, err)
		return
	}
	jpeg := buf.GetBytes()
	header := fmt.Sprintf(headerf, len(jpeg))

	// Each listener may still be writing the previous frame, so every frame
	// gets its own buffer.
	frame := make([]byte, len(header)+len(jpeg))
	copy(frame, header)
	copy(frame[len(header):], jpeg)
	buf.Close()

	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.m {
		select {
		case c <- frame:
		default:
			// Skip listeners not ready for next frame.
		}
	}
}

func (s *MJPEGStream) Close() {
	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()
	delete(s.parent.m, s.name)
}

// MJPEGStreamPool is a convenience wrapper that holds a number of streams that
// are created dynamically when referenced.
type MJPEGStreamPool struct {
	server *MJPEGServer
	m      map[string]*MJPEGStream
}

func (s *MJPEGServer) NewStreamPool() *MJPEGStreamPool {
	return &MJPEGStreamPool{
		server: s,
		m:      make(map[string]*MJPEGStream),
	}
}

func (p *MJPEGStreamPool) stream(name string) *MJPEGStream {
	stream, ok := p.m[name]
	if !ok {
		stream = p.server.NewStream(name)
		p.m[name] = stream
	}
	return stream
}

// Active reports whether the named stream has listeners, registering the
// stream if needed so that clients can find it.
func (p *MJPEGStreamPool) Active(name string) bool {
	return p.stream(name).listening()
}

func (p *MJPEGStreamPool) Put(name string, img gocv.Mat) {
	p.stream(name).Put(img)
}

func (p *MJPEGStreamPool) Close() {
	for _, s := range p.m {
		s.Close()
	}
	// Clear.
	p.m = make(map[string]*MJPEGStream)
}
