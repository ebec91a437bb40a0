// Command agent runs one coding-agent worker: it dials the broker over
// websocket, authenticates, and drives coding-agent invocations for
// whatever tasks the broker dispatches to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"taskbroker/internal/agentclient"
	"taskbroker/pkg/config"
	"taskbroker/pkg/logx"
)

var (
	configPath string
	logger     = logx.NewLogger("agent")
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Coding-agent worker that dials a taskbroker gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "agent.yaml", "path to the agent config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return err
	}

	apiKey, err := resolveAPIKey(cfg.APIKeyEnv)
	if err != nil {
		return err
	}

	client := agentclient.New(*cfg, apiKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("agent %s dialing %s", cfg.AgentID, cfg.BrokerURL)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent client: %w", err)
	}
	logger.Info("agent %s shut down", cfg.AgentID)
	return nil
}

func resolveAPIKey(envVar string) (string, error) {
	if envVar == "" {
		envVar = "TASKBROKER_AGENT_API_KEY"
	}
	key := strings.TrimSpace(os.Getenv(envVar))
	if key == "" {
		return "", fmt.Errorf("agent: %s is not set", envVar)
	}
	return key, nil
}
