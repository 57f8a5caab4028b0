package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadOptsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts HeadOpts
		ok   bool
	}{
		{"agnostic", HeadOpts{Regions: 100, Features: 1024, NumClasses: 80, RegressionClasses: 1}, true},
		{"class specific", HeadOpts{Regions: 100, Features: 1024, NumClasses: 80, RegressionClasses: 80}, true},
		{"no regions", HeadOpts{Features: 1024, NumClasses: 80, RegressionClasses: 1}, false},
		{"no classes", HeadOpts{Regions: 100, Features: 1024, RegressionClasses: 1}, false},
		{"wrong regression classes", HeadOpts{Regions: 100, Features: 1024, NumClasses: 80, RegressionClasses: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewHeadSessionRejectsBadGeometry(t *testing.T) {
	_, err := NewHeadSession("missing.onnx", HeadOpts{})
	assert.Error(t, err, "geometry validation runs before the runtime loads")
}
