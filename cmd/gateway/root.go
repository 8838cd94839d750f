package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configFile string
	adminURL   string
	adminToken string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Admission-control reverse proxy",
		Long: `gateway coloca um controle de admissão (janelas por segundo/minuto/hora/dia,
concorrência por cliente e penalidade progressiva) na frente de um upstream HTTP.

Use "serve" para subir o proxy; os demais comandos consultam a configuração ou a
API de administração de uma instância em execução.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&f.configFile, "config", "c", os.Getenv("ADMISSION_CONFIG"), "config file (YAML); env ADMISSION_* overrides it")
	cmd.PersistentFlags().StringVar(&f.adminURL, "admin-url", envDefault("ADMISSION_ADMIN_URL", "http://localhost:9090"), "admin API base URL")
	cmd.PersistentFlags().StringVar(&f.adminToken, "admin-token", os.Getenv("ADMISSION_SERVER_ADMIN_TOKEN"), "admin API bearer token")

	cmd.AddCommand(
		newServeCmd(f),
		newRulesCmd(f),
		newStatsCmd(f),
		newInspectCmd(f),
		newResetCmd(f),
	)
	return cmd
}

func envDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
