package console

import (
	"github.com/gdamore/tcell/v2"
	"github.com/lucasb-eyer/go-colorful"
)

// SenderColor gives every sender name a stable color: the hue is the sum
// of its code points mod 360, at saturation 0.7 and value 0.8.
func SenderColor(name string) tcell.Color {
	var sum uint64
	for _, r := range name {
		sum += uint64(r)
	}
	r, g, b := colorful.Hsv(float64(sum%360), 0.7, 0.8).RGB255()
	return tcell.NewRGBColor(int32(r), int32(g), int32(b))
}
