package source

import (
	"fmt"

	"github.com/banshee-data/handtrack/internal/glove"
)

func shapeError(got, want [glove.NumFingers]int) error {
	return fmt.Errorf("%w: frame shape %v, want %v", glove.ErrConfiguration, got, want)
}

func zeroAngles(shape [glove.NumFingers]int) glove.Angles {
	var a glove.Angles
	for i, n := range shape {
		a[i] = make([]float64, n)
	}
	return a
}
