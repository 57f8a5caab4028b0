// Package layers - Thin wrappers around the tensor-computation library:
// normalization-fused convolutions, pooling, weight initialization, linear
// layers, suppression and loss primitives shared by the backbone and the
// detection head.
package layers

// ShapeSpec describes a feature map produced by a backbone: its channel
// count and its cumulative stride relative to the network input. The values
// are recorded at construction time, never recomputed from tensors.
type ShapeSpec struct {
	Channels int
	Stride   int
}
