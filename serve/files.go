package serve

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"birdcam/video"
	"birdcam/video/source"
)

// ImageServer serves stored captures by their store-relative path, as found
// in queue messages and /status.
type ImageServer struct {
	FS *video.Filesystem
}

func (s *ImageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := s.FS.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		http.NotFound(w, r)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

// LiveServer serves the latest good camera frame as a JPEG.
type LiveServer struct {
	Frames interface {
		Load() (source.Frame, bool)
	}
	Encode  func(f source.Frame, quality int) ([]byte, error)
	Quality int
}

func (s *LiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, ok := s.Frames.Load()
	if !ok {
		http.Error(w, "no frame captured yet", http.StatusServiceUnavailable)
		return
	}

	jpeg, err := s.Encode(f, s.Quality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(jpeg)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", f.Time.UTC().Format(http.TimeFormat))
	if _, err := w.Write(jpeg); err != nil {
		log.WithField("addr", r.RemoteAddr).Debugf("Live frame write failed: %v", err)
	}
}
