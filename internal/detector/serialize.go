package detector

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sentinalhq/sentinal/pkg/common"
)

// weightsDocument is the on-disk JSON shape of a trained model. Matrices are
// stored row-major with explicit dimensions so loading can validate shapes.
type weightsDocument struct {
	InputDim     int           `json:"input_dim"`
	HiddenDim    int           `json:"hidden_dim"`
	NumRelations int           `json:"num_relations"`
	Layer1       layerDocument `json:"layer1"`
	Layer2       layerDocument `json:"layer2"`
	OutWeight    []float64     `json:"out_weight"`
	OutBias      []float64     `json:"out_bias"`
}

type layerDocument struct {
	Relations [][]float64 `json:"relations"`
	Self      []float64   `json:"self"`
	Bias      []float64   `json:"bias"`
}

// Encode writes the trained weights as JSON.
func (m *Model) Encode(w io.Writer) error {
	doc := weightsDocument{
		InputDim:     m.inputDim,
		HiddenDim:    m.hiddenDim,
		NumRelations: m.numRelations,
		Layer1:       encodeLayer(m.layer1),
		Layer2:       encodeLayer(m.layer2),
		OutWeight:    m.outWeight.data,
		OutBias:      m.outBias,
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode model weights: %w", err)
	}
	return nil
}

func encodeLayer(l *relLayer) layerDocument {
	doc := layerDocument{
		Relations: make([][]float64, len(l.rel)),
		Self:      l.self.data,
		Bias:      l.bias,
	}
	for r, w := range l.rel {
		doc.Relations[r] = w.data
	}
	return doc
}

// DecodeModel reads JSON weights and validates every matrix shape against the
// declared dimensions before accepting the model.
func DecodeModel(r io.Reader) (*Model, error) {
	var doc weightsDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode model weights: %w", err)
	}
	if doc.InputDim < 1 || doc.HiddenDim < 1 {
		return nil, common.NewDataError(fmt.Sprintf(
			"invalid model dimensions %dx%d", doc.InputDim, doc.HiddenDim))
	}

	layer1, err := decodeLayer(doc.Layer1, doc.InputDim, doc.HiddenDim, doc.NumRelations, "layer1")
	if err != nil {
		return nil, err
	}
	layer2, err := decodeLayer(doc.Layer2, doc.HiddenDim, doc.HiddenDim, doc.NumRelations, "layer2")
	if err != nil {
		return nil, err
	}
	if len(doc.OutWeight) != doc.HiddenDim*numClasses {
		return nil, common.NewDataError(fmt.Sprintf(
			"output weight has %d values, expected %d", len(doc.OutWeight), doc.HiddenDim*numClasses))
	}
	if len(doc.OutBias) != numClasses {
		return nil, common.NewDataError(fmt.Sprintf(
			"output bias has %d values, expected %d", len(doc.OutBias), numClasses))
	}

	return &Model{
		inputDim:     doc.InputDim,
		hiddenDim:    doc.HiddenDim,
		numRelations: doc.NumRelations,
		layer1:       layer1,
		layer2:       layer2,
		outWeight:    &matrix{rows: doc.HiddenDim, cols: numClasses, data: doc.OutWeight},
		outBias:      doc.OutBias,
	}, nil
}

func decodeLayer(doc layerDocument, in, out, numRelations int, name string) (*relLayer, error) {
	if len(doc.Relations) != numRelations {
		return nil, common.NewDataError(fmt.Sprintf(
			"%s has %d relation matrices, expected %d", name, len(doc.Relations), numRelations))
	}
	layer := &relLayer{rel: make([]*matrix, numRelations)}
	for r, data := range doc.Relations {
		if len(data) != in*out {
			return nil, common.NewDataError(fmt.Sprintf(
				"%s relation %d has %d values, expected %d", name, r, len(data), in*out))
		}
		layer.rel[r] = &matrix{rows: in, cols: out, data: data}
	}
	if len(doc.Self) != in*out {
		return nil, common.NewDataError(fmt.Sprintf(
			"%s self-loop has %d values, expected %d", name, len(doc.Self), in*out))
	}
	if len(doc.Bias) != out {
		return nil, common.NewDataError(fmt.Sprintf(
			"%s bias has %d values, expected %d", name, len(doc.Bias), out))
	}
	layer.self = &matrix{rows: in, cols: out, data: doc.Self}
	layer.bias = doc.Bias
	return layer, nil
}
