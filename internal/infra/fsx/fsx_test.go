package fsx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteFileAtomicNoOverwrite_SuccessAndNoTempLeft(t *testing.T) {
	dir := t.TempDir()

	if err := WriteFileAtomicNoOverwrite(dir, "a_caption.txt", []byte("hello")); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "a_caption.txt"))
	if err != nil {
		t.Fatalf("读取文件失败：%v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("内容不一致：%q", string(b))
	}
	assertNoTemp(t, dir, "a_caption.txt")
}

func TestWriteFileAtomicNoOverwrite_ExistingKeepsContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("old"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}

	err := WriteFileAtomicNoOverwrite(dir, "a.txt", []byte("new"))
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("期望 os.ErrExist，实际 %v", err)
	}
	b, _ := os.ReadFile(p)
	if string(b) != "old" {
		t.Fatalf("已存在文件不应被覆盖：%q", string(b))
	}
}

func TestWriteFileAtomic_RenameFail_CleanupTemp(t *testing.T) {
	dir := t.TempDir()

	old := renameFunc
	renameFunc = func(oldpath, newpath string) error {
		return os.ErrPermission
	}
	defer func() { renameFunc = old }()

	err := WriteFileAtomicReplace(dir, "a.txt", []byte("hello"))
	if err == nil {
		t.Fatalf("期望失败，但得到 nil")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".a.txt.tmp-") {
			t.Fatalf("临时文件未清理：%q", e.Name())
		}
		if e.Name() == "a.txt" {
			t.Fatalf("不应写出最终文件：%q", e.Name())
		}
	}
}

func TestWriteFileAtomicNoOverwrite_TargetConflictDir(t *testing.T) {
	dir := t.TempDir()

	if err := os.Mkdir(filepath.Join(dir, "a.txt"), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}

	err := WriteFileAtomicNoOverwrite(dir, "a.txt", []byte("hello"))
	if err == nil {
		t.Fatalf("期望错误，但得到 nil")
	}
	if !IsPathTypeConflict(err) {
		t.Fatalf("期望 PathTypeConflictError，实际：%T %v", err, err)
	}
}

func TestCopyFileAtomic_CopiesContentAndMtime(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := filepath.Join(t.TempDir(), "nested")

	src := filepath.Join(srcDir, "PD16-MW-00300001.jpg")
	if err := os.WriteFile(src, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	mt := time.Date(2025, 7, 24, 8, 0, 0, 0, time.UTC)
	if err := os.Chtimes(src, mt, mt); err != nil {
		t.Fatalf("Chtimes 失败：%v", err)
	}

	if err := CopyFileAtomic(src, dstDir, "PD16-MW-00300001.jpg"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	dst := filepath.Join(dstDir, "PD16-MW-00300001.jpg")
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "jpeg-bytes" {
		t.Fatalf("副本内容不一致：%q err=%v", string(b), err)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("Stat 失败：%v", err)
	}
	if !fi.ModTime().Equal(mt) {
		t.Fatalf("期望保留 mtime=%v，实际 %v", mt, fi.ModTime())
	}
	assertNoTemp(t, dstDir, "PD16-MW-00300001.jpg")
}

func TestCopyFileAtomic_MissingSource(t *testing.T) {
	err := CopyFileAtomic(filepath.Join(t.TempDir(), "missing.txt"), t.TempDir(), "x.txt")
	if !os.IsNotExist(err) {
		t.Fatalf("期望 not-exist 错误，实际 %v", err)
	}
}

func TestEnsureDir(t *testing.T) {
	root := t.TempDir()
	d := filepath.Join(root, "a", "b")
	if err := EnsureDir(d); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := EnsureDir(d); err != nil {
		t.Fatalf("重复调用不应报错：%v", err)
	}

	f := filepath.Join(root, "file")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	if err := EnsureDir(f); !IsPathTypeConflict(err) {
		t.Fatalf("期望 PathTypeConflictError，实际 %v", err)
	}
}

func assertNoTemp(t *testing.T, dir, name string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "."+name+".tmp-") {
			t.Fatalf("临时文件未清理：%q", e.Name())
		}
	}
}
