package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	rootCmd := &cobra.Command{
		Use:     "nimo-mes",
		Short:   "nimo-mes 生产追踪服务",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Long: `nimo-mes tracks production units through their work-order operations:
scan-driven status transitions, quality gating and automatic completion
of unfinished prerequisite operations.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(resolveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
