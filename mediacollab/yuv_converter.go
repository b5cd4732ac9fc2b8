package mediacollab

import (
	"fmt"

	"github.com/e7canasta/moviepipe/pixelbuffer"
)

// bt601Converter implements YUVToRGBConverter with a hand-rolled full-range
// BT.601 matrix, standing in for the GPU shader pass a real device would
// run; GStreamer's videoconvert element performs this conversion one layer
// below where this collaborator sits (SPEC_FULL.md §4.5), so its math is
// reproduced directly rather than depended upon.
type bt601Converter struct{}

// NewBT601Converter constructs the default YUVToRGBConverter adapter.
func NewBT601Converter() YUVToRGBConverter {
	return bt601Converter{}
}

func clampByte(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// Convert reads a YUV420 planar buffer (I420: full-res Y plane followed by
// half-res U and V planes) and writes full-range BT.601 RGBA.
func (bt601Converter) Convert(src *pixelbuffer.Buffer, width, height int) ([]byte, error) {
	ySize := width * height
	cSize := (width / 2) * (height / 2)
	if len(src.Data) < ySize+2*cSize {
		return nil, fmt.Errorf("mediacollab: yuv buffer too small: have %d want %d", len(src.Data), ySize+2*cSize)
	}

	yPlane := src.Data[:ySize]
	uPlane := src.Data[ySize : ySize+cSize]
	vPlane := src.Data[ySize+cSize : ySize+2*cSize]

	out := make([]byte, width*height*4)
	cw := width / 2

	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			y := int32(yPlane[row*width+col])
			u := int32(uPlane[(row/2)*cw+col/2]) - 128
			v := int32(vPlane[(row/2)*cw+col/2]) - 128

			r := y + (91881*v)/65536
			g := y - (22554*u)/65536 - (46802*v)/65536
			b := y + (116130*u)/65536

			o := (row*width + col) * 4
			out[o+0] = clampByte(r)
			out[o+1] = clampByte(g)
			out[o+2] = clampByte(b)
			out[o+3] = 255
		}
	}
	return out, nil
}
