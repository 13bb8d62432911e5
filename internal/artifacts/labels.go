package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
)

// Label names one classifier output unit.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LabelIndex maps output unit i to Labels[i]. It is always saved and
// loaded together with the classifier it describes.
type LabelIndex struct {
	Labels []Label `json:"labels"`
}

// NewLabelIndex returns an index over labels in output order.
func NewLabelIndex(labels ...Label) LabelIndex {
	return LabelIndex{Labels: append([]Label(nil), labels...)}
}

// Len returns the number of labels.
func (li LabelIndex) Len() int { return len(li.Labels) }

// At returns the label for output unit i.
func (li LabelIndex) At(i int) (Label, bool) {
	if i < 0 || i >= len(li.Labels) {
		return Label{}, false
	}
	return li.Labels[i], true
}

// Validate checks that the index describes exactly width output units with
// unique, non-empty ids.
func (li LabelIndex) Validate(width int) error {
	if len(li.Labels) != width {
		return corrupt(fmt.Errorf("label count mismatch: model has %d outputs but label index has %d labels", width, len(li.Labels)),
			"expected_labels", width, "actual_labels", len(li.Labels))
	}
	seen := make(map[string]int, len(li.Labels))
	for i, l := range li.Labels {
		if l.ID == "" {
			return corrupt(fmt.Errorf("label %d has an empty id", i))
		}
		if j, dup := seen[l.ID]; dup {
			return corrupt(fmt.Errorf("labels %d and %d share id %q", j, i, l.ID))
		}
		seen[l.ID] = i
	}
	return nil
}

func encodeLabels(w io.Writer, li LabelIndex) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(li)
}

func decodeLabels(r io.Reader) (LabelIndex, error) {
	var li LabelIndex
	if err := json.NewDecoder(r).Decode(&li); err != nil {
		return LabelIndex{}, fmt.Errorf("decode labels: %w", err)
	}
	return li, nil
}
