// options.go
package CopperCore

// options 单次操作的可选参数，缺省值取自 MainConfig
type options struct {
	replacer     *Replacer
	pixelSize    float64
	outputDir    string
	maxDimension int
}

// Option 操作选项
type Option func(*options)

type (
	HarmonizeOption = Option
	ResampleOption  = Option
	ProximityOption = Option
)

func buildOptions(opts []Option) options {
	o := options{
		replacer:     MainConfig.Replacer(),
		pixelSize:    MainConfig.Proximity.PixelSize,
		maxDimension: MainConfig.Resample.MaxDimension,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.replacer == nil {
		o.replacer = DefaultReplacer()
	}
	if o.maxDimension <= 0 {
		o.maxDimension = 100000
	}
	return o
}

// WithReplacer 指定文件替换器（重试次数、间隔）
func WithReplacer(r *Replacer) Option {
	return func(o *options) { o.replacer = r }
}

// WithPixelSize 邻近度栅格像素大小（坐标系单位）
func WithPixelSize(px float64) Option {
	return func(o *options) {
		if px > 0 {
			o.pixelSize = px
		}
	}
}

// WithOutputDir 邻近度栅格输出目录，默认与源文件相同
func WithOutputDir(dir string) Option {
	return func(o *options) { o.outputDir = dir }
}

// WithMaxDimension 单轴像素数上限
func WithMaxDimension(n int) Option {
	return func(o *options) { o.maxDimension = n }
}
