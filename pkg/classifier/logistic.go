package classifier

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
)

// featureDim is the hashed bag-of-words feature space.
const featureDim = 256

// overrideThreshold is the minimum softmax probability for the learned head
// to override the rule classifier.
const overrideThreshold = 0.55

// minTrainSamples is how much feedback the head needs before its
// predictions count.
const minTrainSamples = 20

// learningRate for SGD updates.
const learningRate = 0.1

// LogisticModel is a per-user multinomial logistic head over hashed token
// features. It learns from explicit sector feedback and overrides the rule
// classifier once trained and confident.
type LogisticModel struct {
	mu sync.RWMutex

	// Weights[class][feature]; classes follow the Sectors order.
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
	Samples int         `json:"samples"`
}

// NewLogisticModel creates an untrained head.
func NewLogisticModel() *LogisticModel {
	w := make([][]float64, len(Sectors))
	for i := range w {
		w[i] = make([]float64, featureDim)
	}
	return &LogisticModel{
		Weights: w,
		Bias:    make([]float64, len(Sectors)),
	}
}

// LoadLogisticModel restores a head from its JSON form.
func LoadLogisticModel(data string) (*LogisticModel, error) {
	var m LogisticModel
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("LoadLogisticModel: %w", err)
	}
	if len(m.Weights) != len(Sectors) || len(m.Bias) != len(Sectors) {
		return nil, fmt.Errorf("LoadLogisticModel: wrong class count %d", len(m.Weights))
	}
	for i, row := range m.Weights {
		if len(row) != featureDim {
			return nil, fmt.Errorf("LoadLogisticModel: class %d has %d features", i, len(row))
		}
	}
	return &m, nil
}

// Marshal returns the head's persistable JSON form.
func (m *LogisticModel) Marshal() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("LogisticModel.Marshal: %w", err)
	}
	return string(b), nil
}

// Trained reports whether the head has seen enough feedback to predict.
func (m *LogisticModel) Trained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Samples >= minTrainSamples
}

// features hashes content tokens into a normalised sparse vector.
func features(content string) []float64 {
	vec := make([]float64, featureDim)
	tokens := Tokenize(content)
	if len(tokens) == 0 {
		return vec
	}
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%featureDim]++
	}
	inv := 1 / float64(len(tokens))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func (m *LogisticModel) logits(x []float64) []float64 {
	out := make([]float64, len(Sectors))
	for c := range Sectors {
		sum := m.Bias[c]
		for i, v := range x {
			if v != 0 {
				sum += m.Weights[c][i] * v
			}
		}
		out[c] = sum
	}
	return out
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Predict returns the most probable sector and its probability. ok is false
// when the head is untrained or under the override threshold.
func (m *LogisticModel) Predict(content string) (sector string, prob float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Samples < minTrainSamples {
		return "", 0, false
	}
	probs := softmax(m.logits(features(content)))
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	if probs[best] < overrideThreshold {
		return Sectors[best], probs[best], false
	}
	return Sectors[best], probs[best], true
}

// Train applies one SGD step for the labelled example. Unknown sectors are
// ignored.
func (m *LogisticModel) Train(content, sector string) {
	target := -1
	for i, s := range Sectors {
		if s == sector {
			target = i
			break
		}
	}
	if target < 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	x := features(content)
	probs := softmax(m.logits(x))
	for c := range Sectors {
		grad := probs[c]
		if c == target {
			grad -= 1
		}
		m.Bias[c] -= learningRate * grad
		for i, v := range x {
			if v != 0 {
				m.Weights[c][i] -= learningRate * grad * v
			}
		}
	}
	m.Samples++
}
