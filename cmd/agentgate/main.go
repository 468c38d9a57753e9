package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tokmz/agentgate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径（默认搜索 ./agentgate.yaml、./configs、/etc/agentgate）")
	flag.Parse()

	cfg, err := agentgate.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	engine, err := agentgate.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败: %v\n", err)
		os.Exit(1)
	}

	if err := engine.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "服务异常退出: %v\n", err)
		os.Exit(1)
	}
}
