package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"sudooom.im.sync/internal/auth"
)

// NewTokenCommand 用网关密钥签发调试令牌
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var userId, deviceId string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发网关访问令牌（本地调试）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userId == "" {
				return errors.New("--user is required")
			}

			cfg, err := rootOpts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Gateway.JWTSecret == "" {
				return errors.New("gateway.jwt_secret is not configured")
			}

			token, err := auth.NewVerifier(cfg.Gateway.JWTSecret, cfg.Gateway.JWTIssuer).Issue(userId, deviceId, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userId, "user", "u", "", "用户 ID")
	cmd.Flags().StringVar(&deviceId, "device", "", "设备 ID")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有效期")

	return cmd
}
