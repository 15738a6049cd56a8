package scoring

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"os"
	"path/filepath"

	"NetAnomaly/internal/model"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Layer is one dense layer, y = W·x + b. W has shape (out, in).
type Layer struct {
	Weights *mat.Dense
	Bias    *mat.VecDense
}

// Autoencoder scores a vector by its mean squared reconstruction error.
// Hidden layers use ReLU, the output layer is linear. The optional scaler
// standardises the input as (x - mean) / scale before inference.
// It holds no mutable state and is safe for concurrent use.
type Autoencoder struct {
	layers []Layer
	mean   []float64
	scale  []float64
}

// NewAutoencoder validates the layer shapes and builds a scorer.
// mean and scale may be nil.
func NewAutoencoder(layers []Layer, mean, scale []float64) (*Autoencoder, error) {
	if len(layers) == 0 {
		return nil, errors.New("autoencoder has no layers")
	}
	in := model.FeatureCount
	for i, l := range layers {
		if l.Weights == nil || l.Bias == nil {
			return nil, fmt.Errorf("layer %d: missing weights or bias", i)
		}
		r, c := l.Weights.Dims()
		if c != in {
			return nil, fmt.Errorf("layer %d: expects %d inputs, previous layer produces %d", i, c, in)
		}
		if l.Bias.Len() != r {
			return nil, fmt.Errorf("layer %d: bias length %d does not match %d outputs", i, l.Bias.Len(), r)
		}
		in = r
	}
	if in != model.FeatureCount {
		return nil, fmt.Errorf("output layer produces %d values, want %d", in, model.FeatureCount)
	}
	if (mean == nil) != (scale == nil) {
		return nil, errors.New("scaler needs both mean and scale")
	}
	if mean != nil && (len(mean) != model.FeatureCount || len(scale) != model.FeatureCount) {
		return nil, fmt.Errorf("scaler must have %d entries", model.FeatureCount)
	}
	return &Autoencoder{layers: layers, mean: mean, scale: scale}, nil
}

// LoadAutoencoder reads layer0_weight.npy, layer0_bias.npy, layer1_weight.npy, ...
// from dir until the next layer is missing, plus the optional
// scaler_mean.npy / scaler_scale.npy pair. Arrays must be float64.
func LoadAutoencoder(dir string) (*Autoencoder, error) {
	var layers []Layer
	for i := 0; ; i++ {
		wPath := filepath.Join(dir, fmt.Sprintf("layer%d_weight.npy", i))
		if _, err := os.Stat(wPath); errors.Is(err, fs.ErrNotExist) {
			break
		}
		var w mat.Dense
		if err := readNpy(wPath, &w); err != nil {
			return nil, err
		}
		var b []float64
		if err := readNpy(filepath.Join(dir, fmt.Sprintf("layer%d_bias.npy", i)), &b); err != nil {
			return nil, err
		}
		layers = append(layers, Layer{Weights: &w, Bias: mat.NewVecDense(len(b), b)})
	}

	var mean, scale []float64
	meanPath := filepath.Join(dir, "scaler_mean.npy")
	if _, err := os.Stat(meanPath); err == nil {
		if err := readNpy(meanPath, &mean); err != nil {
			return nil, err
		}
		if err := readNpy(filepath.Join(dir, "scaler_scale.npy"), &scale); err != nil {
			return nil, err
		}
	}

	ae, err := NewAutoencoder(layers, mean, scale)
	if err != nil {
		return nil, fmt.Errorf("invalid model in '%s': %w", dir, err)
	}
	log.Printf("Loaded autoencoder from '%s' with %d layers (scaler: %v)", dir, len(layers), mean != nil)
	return ae, nil
}

func readNpy(path string, ptr interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open model file: %w", err)
	}
	defer f.Close()
	if err := npyio.Read(f, ptr); err != nil {
		return fmt.Errorf("failed to decode '%s': %w", path, err)
	}
	return nil
}

// Score implements model.Scorer.
func (a *Autoencoder) Score(_ context.Context, v model.Vector) (float64, error) {
	x := make([]float64, model.FeatureCount)
	copy(x, v[:])
	if a.mean != nil {
		for i := range x {
			s := a.scale[i]
			if s == 0 {
				s = 1
			}
			x[i] = (x[i] - a.mean[i]) / s
		}
	}
	input := mat.NewVecDense(len(x), x)

	var cur mat.Vector = input
	for i, l := range a.layers {
		r, _ := l.Weights.Dims()
		out := mat.NewVecDense(r, nil)
		out.MulVec(l.Weights, cur)
		out.AddVec(out, l.Bias)
		if i < len(a.layers)-1 {
			for j := 0; j < r; j++ {
				out.SetVec(j, math.Max(0, out.AtVec(j)))
			}
		}
		cur = out
	}

	var sum float64
	for i := 0; i < model.FeatureCount; i++ {
		d := cur.AtVec(i) - input.AtVec(i)
		sum += d * d
	}
	return checkScore(sum / model.FeatureCount)
}
