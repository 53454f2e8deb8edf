// Package main はmitsumeサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"mitsume/internal/bootstrap"
	"mitsume/internal/config"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", os.Getenv("MITSUME_CONFIG"), "設定ファイル (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		dummy      = flag.Bool("dummy", false, "合成カメラを有効にする")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("mitsume")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dummy {
		cfg.Backends.Dummy.Enabled = true
	}

	logger := bootstrap.NewLogger(cfg.Log, os.Stderr)
	logger.Info("mitsume サーバーを起動します", "addr", cfg.ServerAddress(), "config", *configPath)

	if err := bootstrap.Run(context.Background(), cfg, logger); err != nil {
		logger.Error("サーバーの起動に失敗しました", "error", err)
		os.Exit(1)
	}
}
