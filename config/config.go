// Package config - Explicit configuration for the backbone and the detection
// head. All options are plain struct fields; there is no ambient global
// state. Validation runs eagerly so misconfigured models fail before any
// module is built.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Loss kinds accepted by ROIBoxConfig.Loss.
const (
	LossSmoothL1 = "smooth_l1"
	LossDIoU     = "diou"
	LossCIoU     = "ciou"
	LossDIoUBox  = "diou_bbox"
)

// Config bundles the backbone and detection-head settings.
type Config struct {
	ResNet ResNetConfig `json:"resnet" yaml:"resnet"`
	ROIBox ROIBoxConfig `json:"roi_box" yaml:"roi_box"`
}

// ResNetConfig selects a residual-network backbone variant.
type ResNetConfig struct {
	// Depth is the total layer count: one of 18, 34, 50, 101, 152, 200, 269.
	Depth int `json:"depth" yaml:"depth"`
	// StemInChannels is the number of input image channels.
	StemInChannels int `json:"stem_in_channels" yaml:"stem_in_channels"`
	// StemOutChannels is the stem output width for the plain stem.
	StemOutChannels int `json:"stem_out_channels" yaml:"stem_out_channels"`
	// Radix is the split-attention cardinality; radix > 1 switches the 3x3
	// stage of every bottleneck to a split-attention convolution and forces
	// DeepStem, AVD and AvgDown on.
	Radix int `json:"radix" yaml:"radix"`
	// DeepStem selects the three stacked 3x3 stem convolutions.
	DeepStem bool `json:"deep_stem" yaml:"deep_stem"`
	// Norm is the normalization applied after convolutions: "FrozenBN",
	// "BN" or "" for none.
	Norm string `json:"norm" yaml:"norm"`
	// FreezeAt freezes the stem at 1 and stage res(i) at i.
	FreezeAt int `json:"freeze_at" yaml:"freeze_at"`
	// OutFeatures names the feature maps returned by the forward pass, e.g.
	// res2..res5, stem, or linear when a classifier head is attached.
	OutFeatures []string `json:"out_features" yaml:"out_features"`
	// NumGroups is the group count of the bottleneck 3x3 convolutions.
	NumGroups int `json:"num_groups" yaml:"num_groups"`
	// WidthPerGroup is the per-group bottleneck width.
	WidthPerGroup int `json:"width_per_group" yaml:"width_per_group"`
	// StrideIn1x1 places the stride on the first 1x1 convolution instead of
	// the 3x3 convolution.
	StrideIn1x1 bool `json:"stride_in_1x1" yaml:"stride_in_1x1"`
	// Res2OutChannels is the output width of the first residual stage.
	Res2OutChannels int `json:"res2_out_channels" yaml:"res2_out_channels"`
	// Res5Dilation is the dilation of the last stage, 1 or 2.
	Res5Dilation int `json:"res5_dilation" yaml:"res5_dilation"`
	// DeformOnPerStage enables deformable 3x3 convolutions per stage
	// (res2..res5).
	DeformOnPerStage []bool `json:"deform_on_per_stage" yaml:"deform_on_per_stage"`
	// DeformModulated selects the modulated deformable operator.
	DeformModulated bool `json:"deform_modulated" yaml:"deform_modulated"`
	// DeformNumGroups is the deformable group count.
	DeformNumGroups int `json:"deform_num_groups" yaml:"deform_num_groups"`
	// AVD enables average-downsampling on strided bottleneck blocks.
	AVD bool `json:"avd" yaml:"avd"`
	// AvgDown inserts an average pooling before the shortcut projection.
	AvgDown bool `json:"avg_down" yaml:"avg_down"`
	// BottleneckWidth scales the bottleneck 3x3 width, in units of 64.
	BottleneckWidth int `json:"bottleneck_width" yaml:"bottleneck_width"`
	// NumClasses attaches a linear classification head when positive.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
}

// ROIBoxConfig configures the region classification/regression head.
type ROIBoxConfig struct {
	// NumClasses is the number of foreground classes; background is the
	// extra class with the last index.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ClsAgnosticBBoxReg predicts a single box per region instead of one
	// per class.
	ClsAgnosticBBoxReg bool `json:"cls_agnostic_bbox_reg" yaml:"cls_agnostic_bbox_reg"`
	// SmoothL1Beta is the transition point between L1 and L2; 0 gives pure
	// L1.
	SmoothL1Beta float32 `json:"smooth_l1_beta" yaml:"smooth_l1_beta"`
	// ScoreThresh filters detections below this confidence at inference.
	ScoreThresh float32 `json:"score_thresh" yaml:"score_thresh"`
	// NMSThresh is the IoU threshold of the per-class suppression.
	NMSThresh float32 `json:"nms_thresh" yaml:"nms_thresh"`
	// DetectionsPerImage caps the detections kept per image; negative keeps
	// all.
	DetectionsPerImage int `json:"detections_per_image" yaml:"detections_per_image"`
	// BBoxRegWeights are the (wx, wy, ww, wh) delta weights.
	BBoxRegWeights [4]float32 `json:"bbox_reg_weights" yaml:"bbox_reg_weights"`
	// Loss selects the box-regression loss: smooth_l1, diou, ciou or
	// diou_bbox.
	Loss string `json:"loss" yaml:"loss"`
	// LossWeight scales the IoU-family box-regression losses.
	LossWeight float32 `json:"loss_weight" yaml:"loss_weight"`
}

// Default returns the standard ResNet-50 detection configuration.
func Default() Config {
	return Config{
		ResNet: ResNetConfig{
			Depth:            50,
			StemInChannels:   3,
			StemOutChannels:  64,
			Radix:            1,
			Norm:             "FrozenBN",
			FreezeAt:         2,
			OutFeatures:      []string{"res4"},
			NumGroups:        1,
			WidthPerGroup:    64,
			StrideIn1x1:      true,
			Res2OutChannels:  256,
			Res5Dilation:     1,
			DeformOnPerStage: []bool{false, false, false, false},
			DeformNumGroups:  1,
			BottleneckWidth:  64,
		},
		ROIBox: ROIBoxConfig{
			NumClasses:         80,
			SmoothL1Beta:       0,
			ScoreThresh:        0.05,
			NMSThresh:          0.5,
			DetectionsPerImage: 100,
			BBoxRegWeights:     [4]float32{10, 10, 5, 5},
			Loss:               LossSmoothL1,
			LossWeight:         1,
		},
	}
}

// Load reads a yaml configuration file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks both sections.
func (c *Config) Validate() error {
	if err := c.ResNet.Validate(); err != nil {
		return err
	}
	return c.ROIBox.Validate()
}

// NumBlocksPerStage returns the block counts of the four residual stages for
// a supported depth.
func NumBlocksPerStage(depth int) ([4]int, error) {
	table := map[int][4]int{
		18:  {2, 2, 2, 2},
		34:  {3, 4, 6, 3},
		50:  {3, 4, 6, 3},
		101: {3, 4, 23, 3},
		152: {3, 8, 36, 3},
		200: {3, 24, 36, 3},
		269: {3, 30, 48, 8},
	}
	blocks, ok := table[depth]
	if !ok {
		return blocks, errors.Errorf("unsupported depth %d", depth)
	}
	return blocks, nil
}

// StemWidth returns the deep-stem width for a bottleneck depth.
func StemWidth(depth int) int {
	if depth == 50 {
		return 32
	}
	return 64
}

// Validate rejects unsupported backbone combinations before any module is
// built.
func (c *ResNetConfig) Validate() error {
	if _, err := NumBlocksPerStage(c.Depth); err != nil {
		return err
	}
	if c.Res5Dilation != 1 && c.Res5Dilation != 2 {
		return errors.Errorf("res5_dilation must be 1 or 2, got %d", c.Res5Dilation)
	}
	if len(c.DeformOnPerStage) != 0 && len(c.DeformOnPerStage) != 4 {
		return errors.Errorf("deform_on_per_stage must list all 4 stages, got %d",
			len(c.DeformOnPerStage))
	}
	if c.Depth == 18 || c.Depth == 34 {
		if c.Res2OutChannels != 64 {
			return errors.Errorf("res2_out_channels must be 64 for depth %d, got %d",
				c.Depth, c.Res2OutChannels)
		}
		for _, on := range c.DeformOnPerStage {
			if on {
				return errors.Errorf("deformable stages are unsupported for depth %d", c.Depth)
			}
		}
		if c.Res5Dilation != 1 {
			return errors.Errorf("res5_dilation must be 1 for depth %d", c.Depth)
		}
		if c.NumGroups != 1 {
			return errors.Errorf("num_groups must be 1 for depth %d, got %d",
				c.Depth, c.NumGroups)
		}
	}
	for _, f := range c.OutFeatures {
		switch f {
		case "stem", "res2", "res3", "res4", "res5":
		case "linear":
			if c.NumClasses <= 0 {
				return errors.New(`out feature "linear" requires num_classes > 0`)
			}
		default:
			return errors.Errorf("unknown out feature %q", f)
		}
	}
	return nil
}

// Validate rejects malformed head settings, including unrecognized loss
// kinds.
func (c *ROIBoxConfig) Validate() error {
	if c.NumClasses <= 0 {
		return errors.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	switch c.Loss {
	case LossSmoothL1, LossDIoU, LossCIoU, LossDIoUBox:
	default:
		return errors.Errorf("unrecognized box-regression loss %q", c.Loss)
	}
	for i, w := range c.BBoxRegWeights {
		if w <= 0 {
			return errors.Errorf("bbox_reg_weights[%d] must be positive, got %f", i, w)
		}
	}
	return nil
}
