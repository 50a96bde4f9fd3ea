package domain

import (
	"encoding/json"
	"fmt"
)

type MeasurementState string

const (
	StateUnmeasurable MeasurementState = "unmeasurable"
	StateMeasured     MeasurementState = "measured"
	StateHeuristic    MeasurementState = "heuristic"
)

// Measurement is either an exact value, an estimate with a confidence in
// [0,1], or explicitly unmeasurable. The zero value is Unmeasurable.
type Measurement struct {
	state      MeasurementState
	value      float64
	confidence float64
}

func Measured(v float64) Measurement {
	return Measurement{state: StateMeasured, value: v, confidence: 1}
}

func Heuristic(v, confidence float64) Measurement {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Measurement{state: StateHeuristic, value: v, confidence: confidence}
}

func Unmeasurable() Measurement {
	return Measurement{state: StateUnmeasurable}
}

func (m Measurement) State() MeasurementState {
	if m.state == "" {
		return StateUnmeasurable
	}
	return m.state
}

// Value returns the value and whether one exists.
func (m Measurement) Value() (float64, bool) {
	if m.State() == StateUnmeasurable {
		return 0, false
	}
	return m.value, true
}

func (m Measurement) Confidence() float64 {
	if m.State() == StateUnmeasurable {
		return 0
	}
	return m.confidence
}

func (m Measurement) IsMeasured() bool     { return m.State() == StateMeasured }
func (m Measurement) IsHeuristic() bool    { return m.State() == StateHeuristic }
func (m Measurement) IsUnmeasurable() bool { return m.State() == StateUnmeasurable }

// ConfidenceFlag maps the measurement onto the metric-level flag.
func (m Measurement) ConfidenceFlag() Confidence {
	if m.IsHeuristic() {
		return ConfidenceHeuristic
	}
	return ConfidenceExact
}

// Derive builds a measurement for a value computed from several inputs: it is
// unmeasurable if any input is, measured if all are, otherwise heuristic with
// the weakest input's confidence.
func Derive(v float64, inputs ...Measurement) Measurement {
	conf := 1.0
	exact := true
	for _, in := range inputs {
		switch in.State() {
		case StateUnmeasurable:
			return Unmeasurable()
		case StateHeuristic:
			exact = false
			if in.confidence < conf {
				conf = in.confidence
			}
		}
	}
	if exact {
		return Measured(v)
	}
	return Heuristic(v, conf)
}

// AsHeuristic downgrades a measured value to a heuristic one.
func (m Measurement) AsHeuristic() Measurement {
	if m.IsMeasured() {
		return Heuristic(m.value, 1)
	}
	return m
}

func (m Measurement) String() string {
	switch m.State() {
	case StateMeasured:
		return fmt.Sprintf("measured(%g)", m.value)
	case StateHeuristic:
		return fmt.Sprintf("heuristic(%g, %.2f)", m.value, m.confidence)
	}
	return "unmeasurable"
}

type measurementJSON struct {
	State      MeasurementState `json:"state"`
	Value      *float64         `json:"value,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
}

func (m Measurement) MarshalJSON() ([]byte, error) {
	out := measurementJSON{State: m.State()}
	if v, ok := m.Value(); ok {
		out.Value = &v
	}
	if m.IsHeuristic() {
		c := m.confidence
		out.Confidence = &c
	}
	return json.Marshal(out)
}

func (m *Measurement) UnmarshalJSON(data []byte) error {
	var in measurementJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.State {
	case StateMeasured:
		if in.Value == nil {
			return fmt.Errorf("measured value missing")
		}
		*m = Measured(*in.Value)
	case StateHeuristic:
		if in.Value == nil {
			return fmt.Errorf("heuristic value missing")
		}
		c := 0.0
		if in.Confidence != nil {
			c = *in.Confidence
		}
		*m = Heuristic(*in.Value, c)
	case StateUnmeasurable, "":
		*m = Unmeasurable()
	default:
		return fmt.Errorf("unknown measurement state %q", in.State)
	}
	return nil
}
