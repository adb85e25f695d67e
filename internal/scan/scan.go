package scan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrDirectoryNotFound 表示目标路径不存在或不是目录。
var ErrDirectoryNotFound = errors.New("directory not found")

// DirError 携带出错的目录路径；errors.Is(err, ErrDirectoryNotFound) 可用于区分“目录缺失”与其它 IO 错误。
type DirError struct {
	Path string
	Err  error
}

func (e *DirError) Error() string {
	return fmt.Sprintf("读取目录 %q 失败：%v", e.Path, e.Err)
}

func (e *DirError) Unwrap() error { return e.Err }

// File 描述一次列目录得到的源文件（只做 stat，不读内容）。
type File struct {
	Name string // 文件名（含扩展名）
	Path string // clean 后的完整路径
	Size int64
}

// ListFiles 列出 dir 下（不递归）文件名满足 match 的普通文件。
//
// 规则：
// - dir 不存在或不是目录：返回 *DirError（包裹 ErrDirectoryNotFound）
// - 空目录：返回空切片，不是错误
// - 输出按文件名排序，保证准入顺序稳定
func ListFiles(dir string, match func(name string) bool) ([]File, error) {
	dir = filepath.Clean(dir)
	entries, err := readDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if match != nil && !match(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// 列目录与 stat 之间文件被删除：按不存在处理。
			if os.IsNotExist(err) {
				continue
			}
			return nil, &DirError{Path: dir, Err: err}
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, File{
			Name: name,
			Path: filepath.Join(dir, name),
			Size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// ListPartitions 列出 root 下的直接子目录名（忽略以 '.' 开头的隐藏目录），按字典序返回。
func ListPartitions(root string) ([]string, error) {
	root = filepath.Clean(root)
	entries, err := readDir(root)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// SuffixMatcher 返回一个大小写不敏感的后缀匹配函数（任一后缀命中即可）。
func SuffixMatcher(suffixes ...string) func(name string) bool {
	norm := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			norm = append(norm, s)
		}
	}
	return func(name string) bool {
		low := strings.ToLower(name)
		for _, s := range norm {
			if strings.HasSuffix(low, s) && len(low) > len(s) {
				return true
			}
		}
		return false
	}
}

func readDir(dir string) ([]os.DirEntry, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &DirError{Path: dir, Err: ErrDirectoryNotFound}
		}
		return nil, &DirError{Path: dir, Err: err}
	}
	if !fi.IsDir() {
		return nil, &DirError{Path: dir, Err: ErrDirectoryNotFound}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DirError{Path: dir, Err: err}
	}
	return entries, nil
}
