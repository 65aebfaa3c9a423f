package muzzle

// Tensor is a dense float32 image tensor in height-width-channel order.
type Tensor struct {
	Data     []float32
	Height   int
	Width    int
	Channels int
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}
