package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/John-Robertt/abfallkalender/internal/domain"
)

// clearEnv 把所有相关环境变量置空，避免宿主环境影响测试。
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvAddr, EnvLogLevel, EnvProxyURL, EnvRegioITBaseURL, EnvAbfallIOBaseURL,
		EnvAbfallIOKey, EnvAbfallIOModus, EnvCalendarTTL, EnvSessionTTL,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadEffective_Defaults(t *testing.T) {
	clearEnv(t)
	cwd := t.TempDir()

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Source != "" {
		t.Fatalf("没有配置文件时期望 Source 为空，实际 %q", eff.Source)
	}
	if eff.Addr != DefaultAddr || eff.LogLevel != DefaultLogLevel {
		t.Fatalf("默认值不符合预期：%+v", eff)
	}
	if eff.CalendarTTL != DefaultCalendarTTL || eff.CatalogTTL != DefaultCatalogTTL || eff.SessionTTL != DefaultSessionTTL {
		t.Fatalf("默认 TTL 不符合预期：%+v", eff)
	}
	if eff.SweepSpec != DefaultSweepSpec {
		t.Fatalf("期望 sweep=%q，实际 %q", DefaultSweepSpec, eff.SweepSpec)
	}
	if len(eff.Regions) != 1 || eff.Regions[0].Name != "Lilienthal" || eff.Regions[0].Provider != domain.ProviderAbfallIO {
		t.Fatalf("默认 regions 不符合预期：%+v", eff.Regions)
	}
}

func TestLoadEffective_ExplicitConfigNotFound(t *testing.T) {
	clearEnv(t)
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{ConfigPath: "missing.yml"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_FileValues(t *testing.T) {
	clearEnv(t)
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, DefaultFileName), []byte(`
addr: ":9090"
log_level: debug
cache:
  calendar_ttl: 2h
  sweep: "@every 30s"
regioit:
  base_url: https://example.org/rest
  catalog_ttl: 12h
abfallio:
  key: abc
  session_ttl: 5m
regions:
  - name: Lilienthal
    provider: abfallio
    kommune_id: "2655"
  - name: Grasberg
    provider: ABFALLIO
    bezirk_id: "3"
`))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Source != filepath.Join(cwd, DefaultFileName) {
		t.Fatalf("Source 不符合预期：%q", eff.Source)
	}
	if eff.Addr != ":9090" || eff.LogLevel != "debug" || eff.CalendarTTL != 2*time.Hour || eff.CatalogTTL != 12*time.Hour || eff.SessionTTL != 5*time.Minute {
		t.Fatalf("文件值未生效：%+v", eff)
	}
	if eff.RegioITBaseURL != "https://example.org/rest" || eff.AbfallIOKey != "abc" || eff.SweepSpec != "@every 30s" {
		t.Fatalf("文件值未生效：%+v", eff)
	}
	if len(eff.Regions) != 2 || eff.Regions[0].KommuneID != "2655" || eff.Regions[1].Provider != domain.ProviderAbfallIO || eff.Regions[1].BezirkID != "3" {
		t.Fatalf("regions 不符合预期：%+v", eff.Regions)
	}
}

func TestLoadEffective_Precedence(t *testing.T) {
	clearEnv(t)
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, DefaultFileName), []byte("addr: \":9090\"\nlog_level: warn\nabfallio:\n  key: from-file\n"))
	writeFile(t, filepath.Join(cwd, ".env"), []byte("ABFALLIO_KEY=from-dotenv\nABFALL_ADDR=:7070\nABFALL_SESSION_TTL=20m\n"))
	t.Setenv(EnvAddr, ":6060")

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	// 进程环境变量优先于 .env；.env 优先于文件
	if eff.Addr != ":6060" {
		t.Fatalf("期望 env addr=:6060，实际 %q", eff.Addr)
	}
	if eff.LogLevel != "warn" {
		t.Fatalf("期望文件 log_level=warn，实际 %q", eff.LogLevel)
	}
	if eff.SessionTTL != 20*time.Minute {
		t.Fatalf("期望 .env session ttl=20m，实际 %s", eff.SessionTTL)
	}

	eff, err = LoadEffective(cwd, CLIArgs{Addr: ":5050", LogLevel: "ERROR"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Addr != ":5050" || eff.LogLevel != "error" {
		t.Fatalf("CLI 应覆盖其他来源：%+v", eff)
	}
}

func TestLoadEffective_Invalid(t *testing.T) {
	cases := map[string]string{
		"yaml":         "addr: [",
		"log level":    "log_level: verbose",
		"ttl syntax":   "cache:\n  calendar_ttl: soon",
		"ttl negative": "abfallio:\n  session_ttl: -5m",
		"ttl too long": "cache:\n  calendar_ttl: 400h",
		"sweep":        "cache:\n  sweep: \"every minute\"",
		"base url":     "regioit:\n  base_url: ftp://example.org",
		"proxy":        "proxy:\n  url: \"http://[::1\"",
		"region":       "regions:\n  - name: X\n    provider: nope",
		"region name":  "regions:\n  - provider: regioit",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			cwd := t.TempDir()
			writeFile(t, filepath.Join(cwd, DefaultFileName), []byte(body))

			_, err := LoadEffective(cwd, CLIArgs{})
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
			}
		})
	}
}

func TestLoadEffective_InvalidEnvTTL(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvCalendarTTL, "abc")

	_, err := LoadEffective(t.TempDir(), CLIArgs{})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败 %q：%v", path, err)
	}
}
