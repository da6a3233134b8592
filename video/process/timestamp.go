package process

import (
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"birdcam/video/sink"
)

var (
	colorTime = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// DrawTimestamp draws the stream name and time in the top left corner.
func DrawTimestamp(name string, img *gocv.Mat, t time.Time) {
	text := name + " - " + t.Format("2006-01-02 15:04:05 MST")

	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1

	sz := gocv.GetTextSize(text, font, scale, thickness)

	pad := 2

	gocv.Rectangle(img, image.Rectangle{Min: image.Point{X: 0, Y: 0}, Max: image.Point{X: sz.X + pad*2, Y: sz.Y + pad*2}}, colorBG, -1)

	gocv.PutText(img, text, image.Point{X: pad, Y: sz.Y + pad}, font, scale, colorTime, thickness)
}

// DrawTimestampStream puts a timestamped copy of img on the named stream. img
// itself is left untouched since it may share memory with a frame.
func DrawTimestampStream(p *sink.MJPEGStreamPool, name string, img gocv.Mat, t time.Time) {
	c := img.Clone()
	defer c.Close()
	DrawTimestamp(name, &c, t)
	p.Put(name, c)
}
