package fsx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

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

func TestWriteFile_CreatesParentAndNoTempLeft(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "export")
	path := filepath.Join(dir, "kalender.ics")

	if err := WriteFile(path, []byte("BEGIN:VCALENDAR\r\n"), false); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取文件失败：%v", err)
	}
	if string(b) != "BEGIN:VCALENDAR\r\n" {
		t.Fatalf("内容不一致：%q", string(b))
	}
	assertNoTemp(t, dir, "kalender.ics")
}

func TestWriteFile_OverwriteFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ics")
	if err := os.WriteFile(path, []byte("alt"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}

	if err := WriteFile(path, []byte("neu"), false); !errors.Is(err, os.ErrExist) {
		t.Fatalf("期望 os.ErrExist，实际 %v", err)
	}
	if err := WriteFile(path, []byte("neu"), true); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "neu" {
		t.Fatalf("期望覆盖为 neu，实际 %q", string(b))
	}
}

func TestWriteFile_RenameFail_CleanupTemp(t *testing.T) {
	dir := t.TempDir()

	old := renameFunc
	renameFunc = func(oldpath, newpath string) error {
		return os.ErrPermission
	}
	defer func() { renameFunc = old }()

	if err := WriteFile(filepath.Join(dir, "a.ics"), []byte("x"), true); err == nil {
		t.Fatalf("期望失败，但得到 nil")
	}
	assertNoTemp(t, dir, "a.ics")
	if _, err := os.Stat(filepath.Join(dir, "a.ics")); !os.IsNotExist(err) {
		t.Fatalf("不应写出最终文件")
	}
}

func TestWriteFile_TargetIsDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ics")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	err := WriteFile(path, []byte("x"), true)
	if !IsPathTypeConflict(err) {
		t.Fatalf("期望 PathTypeConflictError，实际：%T %v", err, err)
	}
}
