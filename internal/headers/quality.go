package headers

import (
	"fmt"
	"strconv"
)

// Quality values are stored as thousandths of a point, so 1.000 maps to
// qualityMax.
const qualityMax = 1000

// Quality is a content-negotiation preference weight in [0.000, 1.000]
// at three decimal places of precision. The zero value is the default
// (most preferred) weight and serializes to nothing.
type Quality struct {
	millis   uint16
	explicit bool
}

var (
	// QualityMostPreferred is the default weight of 1.
	QualityMostPreferred = Quality{}
	// QualityLeastPreferred is the smallest acceptable weight, 0.001.
	QualityLeastPreferred = Quality{millis: 1, explicit: true}
	// QualityNotAcceptable is the weight 0, marking a value as unusable.
	QualityNotAcceptable = Quality{millis: 0, explicit: true}
)

// NewQuality creates a Quality from a fractional weight. Values outside
// [0, 1] are rejected; finer than 3-decimal precision is truncated.
func NewQuality(f float64) (Quality, error) {
	if f < 0 {
		return Quality{}, fmt.Errorf("quality cannot be negative, got %g", f)
	}
	if f > 1 {
		return Quality{}, fmt.Errorf("quality cannot exceed 1, got %g", f)
	}
	return Quality{millis: uint16(f * qualityMax), explicit: true}, nil
}

// IsDefault reports whether q is the default (most preferred) weight.
func (q Quality) IsDefault() bool {
	return !q.explicit
}

// Millis returns the weight in thousandths. The default weight reports
// the full 1000.
func (q Quality) Millis() uint16 {
	if !q.explicit {
		return qualityMax
	}
	return q.millis
}

func (q Quality) Name() string {
	return "q"
}

// Build renders the weight as a q parameter value. The default weight
// renders empty, so callers omit the parameter entirely.
func (q Quality) Build() (string, error) {
	if !q.explicit {
		return "", nil
	}
	if q.millis == 0 {
		return "q=0", nil
	}
	if q.millis > qualityMax {
		return "", fmt.Errorf("quality out of range: %d", q.millis)
	}
	v := strconv.FormatFloat(float64(q.millis)/qualityMax, 'g', -1, 64)
	return "q=" + v, nil
}

// String implements fmt.Stringer for log output. Invalid internal state
// renders empty.
func (q Quality) String() string {
	s, err := q.Build()
	if err != nil {
		return ""
	}
	return s
}
