package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	configx "github.com/tanpawarit/chative-toolagent/pkg/config"
	logx "github.com/tanpawarit/chative-toolagent/pkg/logger"
	_ "github.com/tanpawarit/chative-toolagent/pkg/logger/autoload"
)

var envFile string

func main() {
	root := &cobra.Command{
		Use:           "toolagent",
		Short:         "Tool-calling assistant with confirmation-gated actions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			configx.SetEnvFile(envFile)
			logCfg, err := configx.New[logx.Config]("LOG")
			if err != nil {
				return err
			}
			logx.Init(*logCfg)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "path to a .env file (default: $ENV_FILE or ./.env)")

	root.AddCommand(chatCmd())
	root.AddCommand(transcriptCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
