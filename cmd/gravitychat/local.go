package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/gravitychat/internal/localllm"
)

func newLocalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Inspect the local helper services",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report local LLM, bridge and TTS reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := localllm.New(a.cfg.LocalLLMURL, a.cfg.ConnectTimeout, a.log)
			st := client.Status(cmd.Context(), a.cfg.BridgeURL, a.cfg.TTSURL)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List model files known to the local LLM server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := localllm.New(a.cfg.LocalLLMURL, a.cfg.ConnectTimeout, a.log)
			models, err := client.Models(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(models)
		},
	})
	return cmd
}
