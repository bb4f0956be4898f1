package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/John-Robertt/abfallkalender/internal/app"
	"github.com/John-Robertt/abfallkalender/internal/config"
	"github.com/John-Robertt/abfallkalender/internal/domain"
	"github.com/John-Robertt/abfallkalender/internal/ics"
	"github.com/John-Robertt/abfallkalender/internal/infra/cache"
	"github.com/John-Robertt/abfallkalender/internal/infra/fsx"
	"github.com/John-Robertt/abfallkalender/internal/infra/httpx"
	"github.com/John-Robertt/abfallkalender/internal/infra/logx"
	"github.com/John-Robertt/abfallkalender/internal/provider"
	"github.com/John-Robertt/abfallkalender/internal/provider/abfallio"
	"github.com/John-Robertt/abfallkalender/internal/provider/regioit"
	"github.com/John-Robertt/abfallkalender/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(os.Stdout)
		return
	}
	os.Exit(run(args[0], args[1:]))
}

func run(cmd string, args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printUsage(os.Stdout)
			return 0
		}
	}

	ca, err := parseArgs(cmd, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printUsage(os.Stderr)
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		ConfigPath: ca.ConfigPath,
		Addr:       ca.Addr,
		LogLevel:   ca.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", config.Code(err), err)
		return 1
	}

	logger := logx.New(os.Stderr, eff.SlogLevel(), eff.AbfallIOKey)
	slog.SetDefault(logger)
	if eff.Source != "" {
		logger.Debug("已读取配置文件", "path", eff.Source)
	}

	svc, caches, err := buildService(eff, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch ca.Command {
	case "serve":
		err = serve(ctx, eff, svc, caches, logger)
	case "locations":
		var locs []domain.Location
		if locs, err = svc.Locations(ctx); err == nil {
			err = emitJSON(os.Stdout, locs)
		}
	case "streets":
		var streets []domain.Street
		if streets, err = svc.Streets(ctx, ca.Location); err == nil {
			err = emitJSON(os.Stdout, streets)
		}
	case "hausnummern":
		var hnrs []domain.HouseNumber
		if hnrs, err = svc.HouseNumbers(ctx, ca.Location, ca.Street); err == nil {
			err = emitJSON(os.Stdout, hnrs)
		}
	case "termine":
		err = termine(ctx, svc, ca)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "失败（HTTP %d）：%v\n", provider.StatusOf(err), err)
		return 1
	}
	return 0
}

// buildService 组装 provider、注册表与服务，并返回所有需要后台清扫的缓存。
func buildService(eff config.EffectiveConfig, logger *slog.Logger) (*app.Service, []cache.Purger, error) {
	hc, err := httpx.NewClient(eff.ProxyURL, 0)
	if err != nil {
		return nil, nil, err
	}

	rio := regioit.New(eff.RegioITBaseURL, hc,
		regioit.WithCatalogTTL(eff.CatalogTTL),
		regioit.WithLogger(logger),
	)
	aio := abfallio.New(abfallio.Config{
		BaseURL: eff.AbfallIOBaseURL,
		Key:     eff.AbfallIOKey,
		Modus:   eff.AbfallIOModus,
	}, hc,
		abfallio.WithSessionTTL(eff.SessionTTL),
		abfallio.WithLogger(logger),
	)
	if eff.AbfallIOKey == "" {
		logger.Warn("未配置 abfall.io key，相关地区将返回 503", "env", config.EnvAbfallIOKey)
	}

	reg, err := provider.NewRegistry(rio, aio, eff.Regions, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化 provider registry 失败：%w", err)
	}
	svc := app.NewService(reg, eff.CalendarTTL, app.WithLogger(logger))

	var caches []cache.Purger
	caches = append(caches, rio.Caches()...)
	caches = append(caches, aio.Caches()...)
	caches = append(caches, svc.Caches()...)
	return svc, caches, nil
}

func serve(ctx context.Context, eff config.EffectiveConfig, svc *app.Service, caches []cache.Purger, logger *slog.Logger) error {
	sw, err := cache.NewSweeper(eff.SweepSpec, logger, caches...)
	if err != nil {
		return err
	}
	sw.Start()
	defer sw.Stop()

	srv := server.New(eff.Addr, svc, server.WithLogger(logger))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("收到退出信号，正在关闭 HTTP 服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭 HTTP 服务失败：%w", err)
	}
	return <-errCh
}

func termine(ctx context.Context, svc *app.Service, ca cliArgs) error {
	q := domain.Query{Location: ca.Location, Street: ca.Street, HouseNumber: ca.HouseNumber}
	if !ca.ICS {
		res, err := svc.Calendar(ctx, q)
		if err != nil {
			return err
		}
		if ca.Out == "" {
			return emitJSON(os.Stdout, res.Data)
		}
		b, err := json.MarshalIndent(res.Data, "", "  ")
		if err != nil {
			return err
		}
		return writeOut(ca.Out, append(b, '\n'))
	}

	body, _, err := svc.Export(ctx, q, ics.Options{})
	if err != nil {
		return err
	}
	if ca.Out == "" {
		_, err = os.Stdout.Write(body)
		return err
	}
	return writeOut(ca.Out, body)
}

func writeOut(path string, data []byte) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := fsx.WriteFile(abs, data, true); err != nil {
		return fmt.Errorf("写入 %s 失败：%w", abs, err)
	}
	fmt.Fprintf(os.Stderr, "已写入：%s\n", abs)
	return nil
}

func emitJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type cliArgs struct {
	Command string

	ConfigPath string
	Addr       string
	LogLevel   string

	Location    string
	Street      string
	HouseNumber string
	ICS         bool
	Out         string
}

// positionals 是各命令需要的位置参数个数。
var positionals = map[string]int{
	"serve":       0,
	"locations":   0,
	"streets":     1,
	"hausnummern": 2,
	"termine":     2,
}

func parseArgs(cmd string, args []string) (cliArgs, error) {
	want, ok := positionals[cmd]
	if !ok {
		return cliArgs{}, fmt.Errorf("未知命令：%q", cmd)
	}
	ca := cliArgs{Command: cmd}
	var pos []string

	for i := 0; i < len(args); i++ {
		a := args[i]
		name, val, hasVal := strings.Cut(a, "=")
		if !strings.HasPrefix(a, "--") {
			if strings.HasPrefix(a, "-") && a != "-" {
				return cliArgs{}, fmt.Errorf("未知参数 %q", a)
			}
			pos = append(pos, a)
			continue
		}

		var dst *string
		switch name {
		case "--config":
			dst = &ca.ConfigPath
		case "--log-level":
			dst = &ca.LogLevel
		case "--addr":
			if cmd != "serve" {
				return cliArgs{}, fmt.Errorf("--addr 只适用于 serve")
			}
			dst = &ca.Addr
		case "--hnr":
			dst = &ca.HouseNumber
		case "--out":
			dst = &ca.Out
		case "--ics":
			if hasVal {
				return cliArgs{}, fmt.Errorf("--ics 不接受值")
			}
			ca.ICS = true
		default:
			return cliArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		if (name == "--hnr" || name == "--out" || name == "--ics") && cmd != "termine" {
			return cliArgs{}, fmt.Errorf("%s 只适用于 termine", name)
		}
		if dst == nil {
			continue
		}
		if !hasVal {
			if i+1 >= len(args) {
				return cliArgs{}, fmt.Errorf("%s 需要一个值", name)
			}
			i++
			val = args[i]
		}
		if strings.TrimSpace(val) == "" {
			return cliArgs{}, fmt.Errorf("%s 不能为空", name)
		}
		*dst = strings.TrimSpace(val)
	}

	if len(pos) != want {
		return cliArgs{}, fmt.Errorf("%s 需要 %d 个位置参数，实际是 %d", cmd, want, len(pos))
	}
	for i, p := range pos {
		if strings.TrimSpace(p) == "" {
			return cliArgs{}, errors.New("位置参数不能为空")
		}
		pos[i] = strings.TrimSpace(p)
	}
	if want >= 1 {
		ca.Location = pos[0]
	}
	if want >= 2 {
		ca.Street = pos[1]
	}
	return ca, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  abfall serve [--config 文件] [--addr :8080] [--log-level info]
  abfall locations
  abfall streets <ort>
  abfall hausnummern <ort> <strasse>
  abfall termine <ort> <strasse> [--hnr 12a] [--ics] [--out datei.ics]

命令：
  serve        启动 HTTP 服务
  locations    列出所有 Ort（合并所有 provider）
  streets      列出某个 Ort 的街道
  hausnummern  列出某条街道的门牌号
  termine      查询收运日历（默认 JSON；--ics 输出 iCalendar）

通用参数：
  --config     配置文件路径（默认 ./abfall.yml，可不存在）
  --log-level  debug|info|warn|error
  -h, --help   显示帮助

结果输出到 stdout，日志输出到 stderr；--out 以原子方式写入文件。
`)
}
