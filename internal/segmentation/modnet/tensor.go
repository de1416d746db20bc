package modnet

import "github.com/tphakala/lightfield/internal/framebuffer"

// fillInput samples frame into a w*h*3 NHWC tensor normalised to [-1, 1],
// reusing dst when it is large enough.
func fillInput(dst []float32, frame framebuffer.Frame, w, h int) []float32 {
	n := w * h * 3
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	i := 0
	for y := 0; y < h; y++ {
		sy := y * frame.Height / h
		row := frame.Pix[sy*frame.Stride:]
		for x := 0; x < w; x++ {
			sx := x * frame.Width / w * 4
			dst[i] = float32(row[sx])/127.5 - 1
			dst[i+1] = float32(row[sx+1])/127.5 - 1
			dst[i+2] = float32(row[sx+2])/127.5 - 1
			i += 3
		}
	}
	return dst
}

// maskFromOutput scales a w*h matte in [0, 1] to the frame's dimensions.
func maskFromOutput(matte []float32, w, h int, frame framebuffer.Frame) *framebuffer.Mask {
	mask := &framebuffer.Mask{
		Sequence: frame.Sequence,
		Width:    frame.Width,
		Height:   frame.Height,
		Alpha:    make([]byte, frame.Width*frame.Height),
	}
	if w <= 0 || h <= 0 || len(matte) < w*h {
		return mask
	}
	for y := 0; y < frame.Height; y++ {
		my := y * h / frame.Height
		for x := 0; x < frame.Width; x++ {
			mx := x * w / frame.Width
			v := matte[my*w+mx]
			switch {
			case v <= 0:
				v = 0
			case v >= 1:
				v = 1
			}
			mask.Alpha[y*frame.Width+x] = byte(v*255 + 0.5)
		}
	}
	return mask
}
