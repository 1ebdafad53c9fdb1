package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"sudooom.im.sync/internal/config"
)

// RootOptions 全局参数
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand 创建 imsync 根命令
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "imsync",
		Short:         "IM 实时会话同步引擎",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "configs/config.yaml", "配置文件路径")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSettingsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) load() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

// NewLogger JSON 日志，无法识别的级别按 info 处理
func NewLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
