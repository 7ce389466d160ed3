package scan

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/John-Robertt/mandelmovie/internal/domain"
)

// ScanFrames 列出 dir 下（不递归）名为 <prefix><width 位数字>.<ext> 的帧文件。
//
// 规则：
// - 只看文件名与 stat（DirEntry.Info），不读文件内容
// - 数字必须恰好 width 位（与本次运行的补零宽度一致），扩展名区分大小写；
//   其它宽度的旧文件（如 mandel7.jpg、上一次 50 帧运行留下的 mandel049.jpg）不算本次的帧
// - 子目录整体跳过；目录不存在视为空结果
// - 输出按帧下标升序
func ScanFrames(dir, prefix string, width int, ext string) ([]domain.FrameFile, error) {
	dir = filepath.Clean(dir)
	ext = strings.TrimPrefix(ext, ".")

	var files []domain.FrameFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir && isNotExist(walkErr) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			return filepath.SkipDir
		}

		idx, ok := parseFrameName(d.Name(), prefix, width, ext)
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		files = append(files, domain.FrameFile{Index: idx, Name: d.Name(), AbsPath: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 强制稳定输出，避免不同文件系统的遍历顺序差异。
	sort.Slice(files, func(i, j int) bool { return files[i].Index < files[j].Index })
	return files, nil
}

func parseFrameName(name, prefix string, width int, ext string) (int, bool) {
	if width <= 0 || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, "."+ext) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix), "."+ext)
	if len(digits) != width {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
