package predictor

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

const (
	inputSize   = 10
	hidden1Size = 16
	hidden2Size = 8
	dropoutRate = 0.2
)

// Network is the rejection model: dense(10→16, ReLU) → dropout(0.2) →
// dense(16→8, ReLU) → dense(8→1, sigmoid). It is read-mostly after
// training; Predict is safe for concurrent use because it never mutates
// weights.
type Network struct {
	W1 [][]float64 `json:"w1"` // hidden1 x input
	B1 []float64   `json:"b1"`
	W2 [][]float64 `json:"w2"` // hidden2 x hidden1
	B2 []float64   `json:"b2"`
	W3 []float64   `json:"w3"` // hidden2
	B3 float64     `json:"b3"`

	TrainedAt time.Time `json:"trained_at"`
	Samples   int       `json:"samples"`

	rng *rand.Rand
}

// NewNetwork creates a network with He-initialized weights.
func NewNetwork(seed int64) *Network {
	rng := rand.New(rand.NewSource(seed))

	n := &Network{
		W1:  make([][]float64, hidden1Size),
		B1:  make([]float64, hidden1Size),
		W2:  make([][]float64, hidden2Size),
		B2:  make([]float64, hidden2Size),
		W3:  make([]float64, hidden2Size),
		rng: rng,
	}

	scale1 := math.Sqrt(2.0 / inputSize)
	for j := range n.W1 {
		n.W1[j] = make([]float64, inputSize)
		for i := range n.W1[j] {
			n.W1[j][i] = rng.NormFloat64() * scale1
		}
	}
	scale2 := math.Sqrt(2.0 / hidden1Size)
	for j := range n.W2 {
		n.W2[j] = make([]float64, hidden1Size)
		for i := range n.W2[j] {
			n.W2[j][i] = rng.NormFloat64() * scale2
		}
	}
	scale3 := math.Sqrt(2.0 / hidden2Size)
	for j := range n.W3 {
		n.W3[j] = rng.NormFloat64() * scale3
	}

	return n
}

// Predict runs a forward pass without dropout and returns p in (0,1).
func (n *Network) Predict(x []float64) float64 {
	h1 := make([]float64, hidden1Size)
	for j := range h1 {
		sum := n.B1[j]
		for i, v := range x {
			sum += n.W1[j][i] * v
		}
		h1[j] = relu(sum)
	}

	h2 := make([]float64, hidden2Size)
	for j := range h2 {
		sum := n.B2[j]
		for i, v := range h1 {
			sum += n.W2[j][i] * v
		}
		h2[j] = relu(sum)
	}

	z := n.B3
	for j, v := range h2 {
		z += n.W3[j] * v
	}
	return sigmoid(z)
}

// Train fits the network with per-sample SGD and binary cross-entropy.
// Inverted dropout is applied to the first hidden layer during training
// only. labels are 1 for rejected, 0 for accepted.
func (n *Network) Train(samples [][]float64, labels []float64, epochs int, lr float64) {
	if len(samples) == 0 || len(samples) != len(labels) {
		return
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}

	keep := 1.0 - dropoutRate

	for epoch := 0; epoch < epochs; epoch++ {
		n.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for _, idx := range order {
			x, t := samples[idx], labels[idx]

			// Forward with cached pre-activations.
			z1 := make([]float64, hidden1Size)
			h1 := make([]float64, hidden1Size)
			mask := make([]float64, hidden1Size)
			for j := range z1 {
				sum := n.B1[j]
				for i, v := range x {
					sum += n.W1[j][i] * v
				}
				z1[j] = sum
				h1[j] = relu(sum)
				if n.rng.Float64() < dropoutRate {
					mask[j] = 0
				} else {
					mask[j] = 1 / keep
				}
				h1[j] *= mask[j]
			}

			z2 := make([]float64, hidden2Size)
			h2 := make([]float64, hidden2Size)
			for j := range z2 {
				sum := n.B2[j]
				for i, v := range h1 {
					sum += n.W2[j][i] * v
				}
				z2[j] = sum
				h2[j] = relu(sum)
			}

			z3 := n.B3
			for j, v := range h2 {
				z3 += n.W3[j] * v
			}
			y := sigmoid(z3)

			// Backward. BCE + sigmoid collapses to (y - t) at the output.
			dz3 := y - t

			dh2 := make([]float64, hidden2Size)
			for j := range dh2 {
				dh2[j] = dz3 * n.W3[j]
				n.W3[j] -= lr * dz3 * h2[j]
			}
			n.B3 -= lr * dz3

			dh1 := make([]float64, hidden1Size)
			for j := range z2 {
				if z2[j] <= 0 {
					continue
				}
				dz2 := dh2[j]
				for i := range h1 {
					dh1[i] += dz2 * n.W2[j][i]
					n.W2[j][i] -= lr * dz2 * h1[i]
				}
				n.B2[j] -= lr * dz2
			}

			for j := range z1 {
				if z1[j] <= 0 || mask[j] == 0 {
					continue
				}
				dz1 := dh1[j] * mask[j]
				for i, v := range x {
					n.W1[j][i] -= lr * dz1 * v
				}
				n.B1[j] -= lr * dz1
			}
		}
	}

	n.TrainedAt = time.Now().UTC()
	n.Samples = len(samples)
}

// Save writes the model to disk atomically (temp file + rename).
func (n *Network) Save(path string) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace model: %w", err)
	}
	return nil
}

// LoadNetwork reads a previously saved model from disk.
func LoadNetwork(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	n := &Network{}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(n.W1) != hidden1Size || len(n.W2) != hidden2Size || len(n.W3) != hidden2Size {
		return nil, fmt.Errorf("model shape mismatch in %s", path)
	}

	n.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	return n, nil
}

func relu(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
