package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"
)

const (
	ExtImage = ".jpg"
	ThumbDir = "thumbnails"

	// FileTimeLayout defines the format of filenames, before the millisecond
	// suffix. See https://golang.org/src/time/format.go.
	FileTimeLayout = "20060102_150405"
	monthLayout    = "2006-01"
	dayLayout      = "02"
)

var ErrBadPath = errors.New("path outside image store")

// Filesystem is the image store: BasePath/YYYY-MM/DD/name.jpg with
// thumbnails in a sibling thumbnails directory. Files are written atomically
// so readers never see a partial image.
type Filesystem struct {
	BasePath string
}

func NewFilesystem(path string) (*Filesystem, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &Filesystem{
		BasePath: path,
	}, nil
}

// ImageName is the file name for an image captured at t.
func ImageName(t time.Time) string {
	return fmt.Sprintf("%s_%03d%s", t.Format(FileTimeLayout), t.Nanosecond()/int(time.Millisecond), ExtImage)
}

// ImagePath is the path of an image captured at t, relative to BasePath.
func ImagePath(t time.Time) string {
	return filepath.Join(t.Format(monthLayout), t.Format(dayLayout), ImageName(t))
}

// ThumbPath is the thumbnail path for an image path, relative to BasePath.
func ThumbPath(image string) string {
	return filepath.Join(filepath.Dir(image), ThumbDir, filepath.Base(image))
}

func (f *Filesystem) write(rel string, data []byte) error {
	p := filepath.Join(f.BasePath, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(p, data, 0644)
}

// Save stores the event's image and thumbnail. A failed thumbnail is logged
// and left out of the receipt; only a failed image is an error.
func (f *Filesystem) Save(ctx context.Context, ev CaptureEvent) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	rel := ImagePath(ev.Time)
	if err := f.write(rel, ev.Image); err != nil {
		return Receipt{}, fmt.Errorf("write image: %w", err)
	}
	r := Receipt{ImagePath: filepath.ToSlash(rel)}

	if len(ev.Thumbnail) == 0 || ctx.Err() != nil {
		return r, nil
	}
	thumb := ThumbPath(rel)
	if err := f.write(thumb, ev.Thumbnail); err != nil {
		log.WithField("event", ev.ID).Warnf("Failed to write thumbnail: %v", err)
		return r, nil
	}
	r.ThumbnailPath = filepath.ToSlash(thumb)
	return r, nil
}

// Resolve maps a store-relative path to a file path, refusing anything that
// would escape BasePath.
func (f *Filesystem) Resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", ErrBadPath
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrBadPath
	}
	return filepath.Join(f.BasePath, clean), nil
}
