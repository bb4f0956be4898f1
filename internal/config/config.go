// Package config 负责发现、读取并合并配置：CLI > 环境变量（含 .env）> abfall.yml > 内置默认值。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"github.com/John-Robertt/abfallkalender/internal/domain"
	"github.com/John-Robertt/abfallkalender/internal/provider"
)

const (
	// ErrCodeNotFound 表示 --config 显式指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	DefaultFileName    = "abfall.yml"
	DefaultAddr        = ":8080"
	DefaultLogLevel    = "info"
	DefaultCalendarTTL = 6 * time.Hour
	DefaultCatalogTTL  = 24 * time.Hour
	DefaultSessionTTL  = 10 * time.Minute
	DefaultSweepSpec   = "@every 1m"

	// 日历缓存上限；上游的收运计划按年发布，缓存再久没有意义。
	maxCalendarTTL = 7 * 24 * time.Hour
)

// 环境变量名。
const (
	EnvAddr            = "ABFALL_ADDR"
	EnvLogLevel        = "ABFALL_LOG_LEVEL"
	EnvProxyURL        = "ABFALL_PROXY_URL"
	EnvRegioITBaseURL  = "REGIOIT_BASE_URL"
	EnvAbfallIOBaseURL = "ABFALLIO_BASE_URL"
	EnvAbfallIOKey     = "ABFALLIO_KEY"
	EnvAbfallIOModus   = "ABFALLIO_MODUS"
	EnvCalendarTTL     = "ABFALL_CALENDAR_TTL"
	EnvSessionTTL      = "ABFALL_SESSION_TTL"
)

// CLIArgs 是 CLI 暴露的配置项；空字符串表示未指定。
type CLIArgs struct {
	ConfigPath string
	Addr       string
	LogLevel   string
}

// FileConfig 对应 abfall.yml 的结构。时长字段使用 time.ParseDuration 语法（例如 "6h"）。
type FileConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
	Proxy    struct {
		URL string `yaml:"url"`
	} `yaml:"proxy"`
	Cache struct {
		CalendarTTL string `yaml:"calendar_ttl"`
		Sweep       string `yaml:"sweep"`
	} `yaml:"cache"`
	RegioIT struct {
		BaseURL    string `yaml:"base_url"`
		CatalogTTL string `yaml:"catalog_ttl"`
	} `yaml:"regioit"`
	AbfallIO struct {
		BaseURL    string `yaml:"base_url"`
		Key        string `yaml:"key"`
		Modus      string `yaml:"modus"`
		SessionTTL string `yaml:"session_ttl"`
	} `yaml:"abfallio"`
	Regions []provider.Region `yaml:"regions"`
}

// EffectiveConfig 是合并并规范化后的最终配置（调用方直接消费，不再做默认/优先级判断）。
type EffectiveConfig struct {
	// Source 是实际读取的配置文件路径；没有读取文件时为空。
	Source string

	Addr     string
	LogLevel string
	ProxyURL string

	CalendarTTL time.Duration
	SweepSpec   string

	RegioITBaseURL string
	CatalogTTL     time.Duration

	AbfallIOBaseURL string
	AbfallIOKey     string
	AbfallIOModus   string
	SessionTTL      time.Duration

	Regions []provider.Region
}

// SlogLevel 把 LogLevel 转换为 slog.Level。
func (e EffectiveConfig) SlogLevel() slog.Level {
	switch e.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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
		if e.Err != nil {
			if e.Path == "" {
				return fmt.Sprintf("%s：%v", e.Code, e.Err)
			}
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

// LoadEffective 读取配置并与环境变量、CLI 参数合并。
//
// 发现规则：
// - CLI 指定 --config：该文件必须存在
// - 否则读取 <cwd>/abfall.yml（可选）
// - <cwd>/.env 可选；非空的进程环境变量优先于 .env
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	dotenv, err := readDotEnv(filepath.Join(cwdAbs, ".env"))
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: filepath.Join(cwdAbs, ".env"), Err: err}
	}
	env := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(dotenv[key])
	}

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)
	if p := strings.TrimSpace(cli.ConfigPath); p != "" {
		cfgPath = absCleanFrom(cwdAbs, p)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath = filepath.Join(cwdAbs, DefaultFileName)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	}
	if !exists {
		cfgPath = ""
	}

	eff, err := merge(cli, env, fc)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.Source = cfgPath
	return eff, nil
}

// pick 返回第一个非空值。
func pick(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func merge(cli CLIArgs, env func(string) string, fc FileConfig) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		Addr:            pick(cli.Addr, env(EnvAddr), fc.Addr, DefaultAddr),
		LogLevel:        strings.ToLower(pick(cli.LogLevel, env(EnvLogLevel), fc.LogLevel, DefaultLogLevel)),
		ProxyURL:        pick(env(EnvProxyURL), fc.Proxy.URL),
		SweepSpec:       pick(fc.Cache.Sweep, DefaultSweepSpec),
		RegioITBaseURL:  pick(env(EnvRegioITBaseURL), fc.RegioIT.BaseURL),
		AbfallIOBaseURL: pick(env(EnvAbfallIOBaseURL), fc.AbfallIO.BaseURL),
		AbfallIOKey:     pick(env(EnvAbfallIOKey), fc.AbfallIO.Key),
		AbfallIOModus:   pick(env(EnvAbfallIOModus), fc.AbfallIO.Modus),
	}

	switch eff.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return EffectiveConfig{}, fmt.Errorf("log_level 只能是 debug/info/warn/error，实际是 %q", eff.LogLevel)
	}

	var err error
	if eff.CalendarTTL, err = duration("cache.calendar_ttl", pick(env(EnvCalendarTTL), fc.Cache.CalendarTTL), DefaultCalendarTTL); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.CalendarTTL > maxCalendarTTL {
		return EffectiveConfig{}, fmt.Errorf("cache.calendar_ttl 不能超过 %s，实际是 %s", maxCalendarTTL, eff.CalendarTTL)
	}
	if eff.CatalogTTL, err = duration("regioit.catalog_ttl", fc.RegioIT.CatalogTTL, DefaultCatalogTTL); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.SessionTTL, err = duration("abfallio.session_ttl", pick(env(EnvSessionTTL), fc.AbfallIO.SessionTTL), DefaultSessionTTL); err != nil {
		return EffectiveConfig{}, err
	}
	if _, err := cron.ParseStandard(eff.SweepSpec); err != nil {
		return EffectiveConfig{}, fmt.Errorf("cache.sweep 无效：%w", err)
	}

	for name, u := range map[string]string{
		"proxy.url":         eff.ProxyURL,
		"regioit.base_url":  eff.RegioITBaseURL,
		"abfallio.base_url": eff.AbfallIOBaseURL,
	} {
		if err := validateURL(name, u); err != nil {
			return EffectiveConfig{}, err
		}
	}

	regions := fc.Regions
	if regions == nil {
		regions = provider.DefaultRegions()
	}
	eff.Regions = make([]provider.Region, 0, len(regions))
	for i, r := range regions {
		if strings.TrimSpace(r.Name) == "" {
			return EffectiveConfig{}, fmt.Errorf("regions[%d].name 不能为空", i)
		}
		p, ok := domain.ParseProviderID(string(r.Provider))
		if !ok {
			return EffectiveConfig{}, fmt.Errorf("regions[%d].provider 只能是 regioit 或 abfallio，实际是 %q", i, r.Provider)
		}
		r.Provider = p
		eff.Regions = append(eff.Regions, r)
	}
	return eff, nil
}

func duration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s 无效：%w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s 必须为正数，实际是 %q", field, raw)
	}
	return d, nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s 无效：%q", field, raw)
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	case "socks5":
		if field == "proxy.url" {
			return nil
		}
	}
	return fmt.Errorf("%s 必须是 http/https：%q", field, raw)
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件。exists 表示文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}

// readDotEnv 读取 .env；文件不存在时返回空 map。
func readDotEnv(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return godotenv.Read(path)
}
