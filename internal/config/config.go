package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/mandelmovie/internal/domain"
)

const (
	// ErrCodeNotFound 表示 --config 指定的配置文件不存在。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
)

// FileName 是输出目录（或 cwd）下自动发现的配置文件名。
const FileName = "mandelmovie.yaml"

const (
	ModeProcess = "process"
	ModeInline  = "inline"
)

// 内置默认值（中心点位于海马谷附近）。
const (
	DefaultXCenter      = -0.6702094071878258
	DefaultYCenter      = 0.4580605576199168
	DefaultZoomFactor   = 0.9
	DefaultInitialScale = 10.0
	DefaultProcs        = 1
	DefaultThreads      = 1
	DefaultFrames       = 50
	DefaultWidth        = 1000
	DefaultHeight       = 1000
	DefaultMaxIter      = 1000
	DefaultFormat       = domain.FormatJPEG
	DefaultQuality      = 90
	DefaultPrefix       = "mandel"
	DefaultMovie        = "mandel.mpg"
)

// CLIArgs 是命令行给出的覆盖项。指针/XxxSet 为“是否显式指定”，
// 保证 CLI 可以覆盖配置文件中的任何值（包括 --no-play 覆盖 play: true）。
type CLIArgs struct {
	Path       string // 输出目录；空表示未指定
	ConfigFile string // --config；指定后文件必须存在

	XCenter      *float64
	YCenter      *float64
	ZoomFactor   *float64
	InitialScale *float64

	Procs   *int
	Threads *int
	Frames  *int
	MaxIter *int
	Width   *int
	Height  *int

	Format  *string
	Quality *int
	Prefix  *string
	Mode    *string

	Label        *bool
	SkipExisting *bool
	Gallery      *bool
	Build        *bool
	Play         *bool
}

// FileConfig 对应 mandelmovie.yaml。所有字段可选；未知字段视为错误。
type FileConfig struct {
	OutDir string `yaml:"out_dir"`

	Center *struct {
		X *float64 `yaml:"x"`
		Y *float64 `yaml:"y"`
	} `yaml:"center"`
	Zoom  *float64 `yaml:"zoom"`
	Scale *float64 `yaml:"scale"`

	Frames  *int `yaml:"frames"`
	Procs   *int `yaml:"procs"`
	Threads *int `yaml:"threads"`
	MaxIter *int `yaml:"max_iterations"`
	Width   *int `yaml:"width"`
	Height  *int `yaml:"height"`

	Mode         string `yaml:"mode"`
	SkipExisting *bool  `yaml:"skip_existing"`
	Gallery      *bool  `yaml:"gallery"`

	Image ImageConfig `yaml:"image"`
	Movie MovieConfig `yaml:"movie"`
}

type ImageConfig struct {
	Format  string `yaml:"format"`
	Quality *int   `yaml:"quality"`
	Prefix  string `yaml:"prefix"`
	Label   *bool  `yaml:"label"`
}

type MovieConfig struct {
	Build  *bool  `yaml:"build"`
	Play   *bool  `yaml:"play"`
	Name   string `yaml:"name"`
	FFmpeg string `yaml:"ffmpeg"`
	FFplay string `yaml:"ffplay"`
}

// EffectiveConfig 是合并并校验后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	OutDir     string
	ConfigPath string // 实际读取的配置文件；未读取则为空

	Geometry domain.ZoomGeometry

	Frames  int
	Procs   int
	Threads int
	MaxIter int
	Width   int
	Height  int

	Format  string
	Quality int
	Prefix  string
	Label   bool

	Mode         string
	SkipExisting bool
	Gallery      bool

	Build  bool
	Play   bool // 仅在 Build 时生效
	Movie  string
	FFmpeg string
	FFplay string

	// Warnings 是不阻止运行、但值得提示的配置问题（例如 zoom >= 1）。
	Warnings []string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Path == "" {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) --config 给出：读取该文件（必选）；相对路径以 cwd 为基准
// 2) CLI 给出输出目录：尝试读取 <dir>/mandelmovie.yaml（可选）
// 3) 都没有：尝试读取 <cwd>/mandelmovie.yaml（可选）
//
// 输出目录：CLI > 配置文件 out_dir（相对配置文件所在目录）> cwd。
// 其余字段：CLI > 配置文件 > 内置默认值。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var cliDir string
	if strings.TrimSpace(cli.Path) != "" {
		cliDir = absCleanFrom(cwdAbs, cli.Path)
	}

	var (
		cfgPath  string
		required bool
	)
	switch {
	case strings.TrimSpace(cli.ConfigFile) != "":
		cfgPath, required = absCleanFrom(cwdAbs, cli.ConfigFile), true
	case cliDir != "":
		cfgPath = filepath.Join(cliDir, FileName)
	default:
		cfgPath = filepath.Join(cwdAbs, FileName)
	}

	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists && required {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}

	outDir := cwdAbs
	switch {
	case cliDir != "":
		outDir = cliDir
	case strings.TrimSpace(fc.OutDir) != "":
		outDir = absCleanFrom(filepath.Dir(cfgPath), fc.OutDir)
	}

	eff := merge(outDir, cli, fc)
	if exists {
		eff.ConfigPath = cfgPath
	}
	if err := Validate(&eff); err != nil {
		path := ""
		if exists {
			path = cfgPath
		}
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	return eff, nil
}

func merge(outDir string, cli CLIArgs, fc FileConfig) EffectiveConfig {
	var fx, fy *float64
	if fc.Center != nil {
		fx, fy = fc.Center.X, fc.Center.Y
	}

	eff := EffectiveConfig{
		OutDir: outDir,
		Geometry: domain.ZoomGeometry{
			XCenter:      pick(cli.XCenter, fx, DefaultXCenter),
			YCenter:      pick(cli.YCenter, fy, DefaultYCenter),
			ZoomFactor:   pick(cli.ZoomFactor, fc.Zoom, DefaultZoomFactor),
			InitialScale: pick(cli.InitialScale, fc.Scale, DefaultInitialScale),
		},
		Frames:  pick(cli.Frames, fc.Frames, DefaultFrames),
		Procs:   pick(cli.Procs, fc.Procs, DefaultProcs),
		Threads: pick(cli.Threads, fc.Threads, DefaultThreads),
		MaxIter: pick(cli.MaxIter, fc.MaxIter, DefaultMaxIter),
		Width:   pick(cli.Width, fc.Width, DefaultWidth),
		Height:  pick(cli.Height, fc.Height, DefaultHeight),

		Format:  strings.ToLower(pick(cli.Format, nonEmpty(fc.Image.Format), DefaultFormat)),
		Quality: pick(cli.Quality, fc.Image.Quality, DefaultQuality),
		Prefix:  pick(cli.Prefix, nonEmpty(fc.Image.Prefix), DefaultPrefix),
		Label:   pick(cli.Label, fc.Image.Label, false),

		Mode:         pick(cli.Mode, nonEmpty(fc.Mode), ModeProcess),
		SkipExisting: pick(cli.SkipExisting, fc.SkipExisting, false),
		Gallery:      pick(cli.Gallery, fc.Gallery, true),

		Build:  pick(cli.Build, fc.Movie.Build, false),
		Play:   pick(cli.Play, fc.Movie.Play, true),
		Movie:  pick(nil, nonEmpty(fc.Movie.Name), DefaultMovie),
		FFmpeg: strings.TrimSpace(fc.Movie.FFmpeg),
		FFplay: strings.TrimSpace(fc.Movie.FFplay),
	}
	if eff.Format == "jpeg" {
		eff.Format = domain.FormatJPEG
	}
	return eff
}

// Validate 校验并补全 warnings。错误信息必须点名字段，方便用户直接修正。
func Validate(eff *EffectiveConfig) error {
	g := eff.Geometry
	for _, f := range []struct {
		name string
		v    float64
	}{{"x", g.XCenter}, {"y", g.YCenter}, {"zoom", g.ZoomFactor}, {"scale", g.InitialScale}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s 必须是有限数，实际是 %v", f.name, f.v)
		}
	}
	if g.ZoomFactor <= 0 {
		return fmt.Errorf("zoom 必须为正数，实际是 %v", g.ZoomFactor)
	}
	if g.InitialScale <= 0 {
		return fmt.Errorf("scale 必须为正数，实际是 %v", g.InitialScale)
	}

	for _, f := range []struct {
		name string
		v    int
	}{
		{"frames", eff.Frames}, {"procs", eff.Procs}, {"threads", eff.Threads},
		{"max_iterations", eff.MaxIter}, {"width", eff.Width}, {"height", eff.Height},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%s 必须为正整数，实际是 %d", f.name, f.v)
		}
	}

	switch eff.Format {
	case domain.FormatJPEG, domain.FormatPNG:
	default:
		return fmt.Errorf("image.format 只能是 jpg 或 png，实际是 %q", eff.Format)
	}
	if eff.Quality < 1 || eff.Quality > 100 {
		return fmt.Errorf("image.quality 必须在 1..100 之间，实际是 %d", eff.Quality)
	}
	if eff.Prefix == "" || strings.ContainsAny(eff.Prefix, `/\%`) {
		return fmt.Errorf("image.prefix 不能为空，也不能包含 / \\ %%：%q", eff.Prefix)
	}
	if eff.Movie == "" || strings.ContainsAny(eff.Movie, `/\`) {
		return fmt.Errorf("movie.name 必须是文件名：%q", eff.Movie)
	}

	switch eff.Mode {
	case ModeProcess, ModeInline:
	default:
		return fmt.Errorf("mode 只能是 process 或 inline，实际是 %q", eff.Mode)
	}

	eff.Warnings = nil
	if g.ZoomFactor >= 1 {
		eff.Warnings = append(eff.Warnings, fmt.Sprintf("zoom=%v >= 1：序列不会放大", g.ZoomFactor))
	}
	if eff.Procs > eff.Frames {
		eff.Warnings = append(eff.Warnings, fmt.Sprintf("procs=%d 多于 frames=%d：部分进程没有任务", eff.Procs, eff.Frames))
	}
	if eff.Threads > eff.Height {
		eff.Warnings = append(eff.Warnings, fmt.Sprintf("threads=%d 多于 height=%d：部分线程没有任务", eff.Threads, eff.Height))
	}
	return nil
}

func pick[T any](cli, file *T, def T) T {
	if cli != nil {
		return *cli
	}
	if file != nil {
		return *file
	}
	return def
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。空文件等价于空配置。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return FileConfig{}, true, nil
		}
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
