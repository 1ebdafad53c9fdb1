package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/repository"
)

// NewSettingsCommand 查看与修改本地通知偏好
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	var userId string

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "查看或修改通知偏好",
	}
	cmd.PersistentFlags().StringVarP(&userId, "user", "u", "", "用户 ID（为空时读写全局偏好）")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "输出当前通知偏好",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			settings, err := store.LoadNotificationSettings(cmd.Context(), userId)
			if err != nil {
				return err
			}
			return writeSettings(cmd.OutOrStdout(), settings)
		},
	})

	var sound, inApp, browser bool
	set := &cobra.Command{
		Use:   "set",
		Short: "修改通知偏好，未指定的项保持不变",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			settings, err := store.LoadNotificationSettings(cmd.Context(), userId)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("sound") {
				settings.SoundEnabled = sound
			}
			if flags.Changed("in-app") {
				settings.InAppNotifications = inApp
			}
			if flags.Changed("browser") {
				settings.BrowserNotifications = browser
			}

			if err := store.SaveNotificationSettings(cmd.Context(), userId, settings); err != nil {
				return err
			}
			return writeSettings(cmd.OutOrStdout(), settings)
		},
	}
	set.Flags().BoolVar(&sound, "sound", true, "提示音")
	set.Flags().BoolVar(&inApp, "in-app", true, "应用内通知")
	set.Flags().BoolVar(&browser, "browser", false, "系统通知")
	cmd.AddCommand(set)

	return cmd
}

func openSettings(rootOpts *RootOptions) (*repository.SettingsStore, error) {
	cfg, err := rootOpts.load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return repository.OpenSettingsStore(cfg.Settings.Path)
}

func writeSettings(w io.Writer, settings model.NotificationSettings) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(settings)
}
