package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"GuardDispatch/internal/app"
	"GuardDispatch/pkg/config"
	"GuardDispatch/pkg/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var env, addr string
	flagSet := pflag.NewFlagSet("guard-dispatch", pflag.ContinueOnError)
	flagSet.StringVar(&env, "env", "", "environment name, selects .env.<env> (default: $APP_ENV or development)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides ADDR")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if env != "" {
		_ = os.Setenv("APP_ENV", env)
	}

	// 1. 加载配置
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.GlobalConfig
	if addr != "" {
		cfg.Addr = addr
	}

	// 2. 初始化日志
	lg, err := logger.Init(cfg.Log, cfg.Mode, "guard-dispatch")
	if err != nil {
		return err
	}
	defer logger.Sync()

	// 3. 装配组件
	a, err := app.New(cfg, lg)
	if err != nil {
		lg.Error("init failed", zap.Error(err))
		return err
	}

	// 4. 运行直到收到退出信号
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
