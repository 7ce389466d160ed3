package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/John-Robertt/mandelmovie/internal/app/run"
	"github.com/John-Robertt/mandelmovie/internal/app/worker"
	"github.com/John-Robertt/mandelmovie/internal/config"
	"github.com/John-Robertt/mandelmovie/internal/domain"
	"github.com/John-Robertt/mandelmovie/internal/infra/fsx"
)

// logEnv 在编排进程与 worker 子进程之间传递日志级别（子进程继承环境变量）。
const logEnv = "MANDELMOVIE_LOG"

// ReportFile 是写入输出目录的运行报告文件名。
const ReportFile = "report.json"

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	case "worker":
		if code := workerCmd(); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}
	if ra.Verbose {
		_ = os.Setenv(logEnv, "debug")
	}
	setupLogger()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cwdAbs, _ := filepath.Abs(cwd)

	eff, err := config.LoadEffective(cwd, ra.CLI)
	if err != nil {
		emitReport(reportForConfigError(cwdAbs, ra.CLI, err))
		return 1
	}
	for _, w := range eff.Warnings {
		slog.Warn("配置提示", "detail", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progressW, interactive := pickProgressWriter()
	var obs run.Observer = logObserver{}
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr := run.ExecuteWithObserver(ctx, eff, run.Env{}, obs)

	if err := writeReportFile(eff.OutDir, rr); err != nil {
		fmt.Fprintf(os.Stderr, "写入 %s 失败：%v\n", ReportFile, err)
		emitReport(rr)
		return 1
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff, rr)
	}
	if rr.OK() {
		return 0
	}
	return 1
}

// workerCmd 是编排进程重新执行自身时进入的子命令：stdin 读任务，stdout 写事件。
func workerCmd() int {
	setupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		slog.Error("worker 退出", "pid", os.Getpid(), "error", err)
		return 1
	}
	return 0
}

func setupLogger() {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv(logEnv), "debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
		NoColor:    !isTTY(os.Stderr),
	})))
}

type runArgs struct {
	CLI     config.CLIArgs
	Verbose bool
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}
	c := &ra.CLI

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || a == "-" {
			if c.Path != "" {
				return runArgs{}, fmt.Errorf("重复的输出目录：%q 与 %q", c.Path, a)
			}
			c.Path = a
			continue
		}

		// 只有长参数支持 --name=value；短参数的值总是下一个参数（允许负数，例如 -x -0.5）。
		name, val, hasVal := a, "", false
		if strings.HasPrefix(a, "--") {
			name, val, hasVal = strings.Cut(a, "=")
		}
		next := func() (string, error) {
			if hasVal {
				return val, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s 需要一个值", name)
			}
			i++
			return args[i], nil
		}
		flag := func() (bool, error) {
			if !hasVal {
				return true, nil
			}
			b, err := strconv.ParseBool(val)
			if err != nil {
				return false, fmt.Errorf("%s 只能是 true 或 false，实际是 %q", name, val)
			}
			return b, nil
		}

		var err error
		switch name {
		case "-x", "--x-center":
			c.XCenter, err = floatArg(name, next)
		case "-y", "--y-center":
			c.YCenter, err = floatArg(name, next)
		case "-z", "--zoom":
			c.ZoomFactor, err = floatArg(name, next)
		case "-s", "--scale":
			c.InitialScale, err = floatArg(name, next)
		case "-p", "--procs":
			c.Procs, err = intArg(name, next)
		case "-t", "--threads":
			c.Threads, err = intArg(name, next)
		case "-i", "--frames":
			c.Frames, err = intArg(name, next)
		case "-m", "--max-iterations":
			c.MaxIter, err = intArg(name, next)
		case "-W", "--width":
			c.Width, err = intArg(name, next)
		case "-H", "--height":
			c.Height, err = intArg(name, next)
		case "--quality":
			c.Quality, err = intArg(name, next)
		case "--format":
			c.Format, err = stringArg(name, next)
		case "--prefix":
			c.Prefix, err = stringArg(name, next)
		case "--mode":
			c.Mode, err = stringArg(name, next)
		case "--config":
			var p *string
			if p, err = stringArg(name, next); err == nil {
				c.ConfigFile = *p
			}
		case "-b", "--build":
			c.Build, err = boolArg(flag, false)
		case "--no-play":
			c.Play, err = boolArg(flag, true)
		case "--label":
			c.Label, err = boolArg(flag, false)
		case "--skip-existing":
			c.SkipExisting, err = boolArg(flag, false)
		case "--no-gallery":
			c.Gallery, err = boolArg(flag, true)
		case "-v", "--verbose":
			ra.Verbose = true
		default:
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		if err != nil {
			return runArgs{}, err
		}
	}
	return ra, nil
}

func floatArg(name string, next func() (string, error)) (*float64, error) {
	s, err := next()
	if err != nil {
		return nil, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("%s 需要一个数字，实际是 %q", name, s)
	}
	return &v, nil
}

func intArg(name string, next func() (string, error)) (*int, error) {
	s, err := next()
	if err != nil {
		return nil, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s 需要一个整数，实际是 %q", name, s)
	}
	return &v, nil
}

func stringArg(name string, next func() (string, error)) (*string, error) {
	s, err := next()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%s 不能为空", name)
	}
	return &s, nil
}

// boolArg：negate 用于 --no-xxx 形式（--no-play 即 play=false）。
func boolArg(flag func() (bool, error), negate bool) (*bool, error) {
	b, err := flag()
	if err != nil {
		return nil, err
	}
	if negate {
		b = !b
	}
	return &b, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  mandelmovie run [dir] [参数...]

命令：
  run      并行渲染曼德博集合缩放帧序列（可选合成影片）
  worker   内部子命令：由 run 启动，从 stdin 读取任务

使用 "mandelmovie run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprintf(os.Stdout, `用法：
  mandelmovie run [dir] [参数...]

dir 是输出目录（默认读取配置文件 out_dir，否则为当前目录）。

渲染参数：
  -x, --x-center f        中心点实部（默认 %.16g）
  -y, --y-center f        中心点虚部（默认 %.16g）
  -z, --zoom f            每帧缩放因子（默认 %g）
  -s, --scale f           第 0 帧的水平跨度（默认 %g）
  -i, --frames n          帧数（默认 %d）
  -m, --max-iterations n  最大迭代次数（默认 %d）
  -W, --width n           图像宽度（默认 %d）
  -H, --height n          图像高度（默认 %d）

并行：
  -p, --procs n           worker 进程数（默认 %d）
  -t, --threads n         每个进程的线程数（默认 %d）
  --mode process|inline   worker 运行方式（默认 process；procs=1 时总是 inline）

输出：
  --format jpg|png        帧格式（默认 %s）
  --quality n             JPEG 质量 1..100（默认 %d）
  --prefix s              文件名前缀（默认 %s）
  --label                 在帧左上角叠加帧号与跨度
  --skip-existing         跳过输出目录中已存在的帧
  --no-gallery            不生成 index.html 图库
  -b, --build             渲染完成后用 ffmpeg 合成 %s 并播放
  --no-play               与 -b 一起使用：只合成不播放

其他：
  --config file           指定配置文件（默认尝试 <dir>/%s）
  -v, --verbose           输出调试日志
  -h, --help              显示帮助

示例：
  mandelmovie run out -p 4 -t 2
  mandelmovie run out -i 200 -W 1920 -H 1080 -b --no-play
  mandelmovie run out -x -0.743643887037151 -y 0.131825904205330 -z 0.95 -s 3 --format png
`,
		config.DefaultXCenter, config.DefaultYCenter, config.DefaultZoomFactor, config.DefaultInitialScale,
		config.DefaultFrames, config.DefaultMaxIter, config.DefaultWidth, config.DefaultHeight,
		config.DefaultProcs, config.DefaultThreads,
		config.DefaultFormat, config.DefaultQuality, config.DefaultPrefix, config.DefaultMovie,
		config.FileName,
	)
}

func emitReport(rr domain.RunReport) {
	s := rr.Summary
	line := fmt.Sprintf("完成：rendered=%d skipped=%d failed=%d pending=%d mux=%s\n",
		s.Rendered, s.Skipped, s.Failed, s.Pending, rr.Mux.Status,
	)

	if isTTY(os.Stdout) {
		fmt.Fprint(os.Stdout, line)
		emitFailures(os.Stderr, rr)
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprint(os.Stderr, line)
}

func emitFailures(w io.Writer, rr domain.RunReport) {
	if rr.ErrorCode != "" {
		fmt.Fprintf(w, "run %s: %s\n", rr.ErrorCode, rr.ErrorMsg)
	}
	for _, f := range rr.Frames {
		if f.Status != domain.StatusFailed {
			continue
		}
		fmt.Fprintf(w, "%s %s: %s\n", f.File, f.ErrorCode, f.ErrorMsg)
	}
	if rr.Mux.Status == domain.MuxStatusFailed {
		fmt.Fprintf(w, "mux %s: %s\n", rr.Mux.ErrorCode, rr.Mux.ErrorMsg)
	}
}

func reportForConfigError(cwdAbs string, cli config.CLIArgs, err error) domain.RunReport {
	outDir := cwdAbs
	if strings.TrimSpace(cli.Path) != "" {
		if p, e := filepath.Abs(cli.Path); e == nil {
			outDir = p
		}
	}
	now := time.Now().UTC()
	code := config.Code(err)
	if code == "" {
		code = domain.ErrCodeConfigInvalid
	}
	rr := domain.RunReport{
		OutDir:     outDir,
		StartedAt:  now,
		FinishedAt: now,
		Mux:        domain.MuxResult{Status: domain.MuxStatusDisabled},
		ErrorCode:  code,
		ErrorMsg:   err.Error(),
	}
	rr.Finalize()
	return rr
}

func writeReportFile(dir string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomic(dir, ReportFile, b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig, rr domain.RunReport) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "out: %s\n", eff.OutDir)
	fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.OutDir, ReportFile))
	if rr.Gallery != "" {
		fmt.Fprintf(w, "gallery: %s\n", rr.Gallery)
	}
	if rr.Mux.Movie != "" {
		fmt.Fprintf(w, "movie: %s\n", rr.Mux.Movie)
	}
}
