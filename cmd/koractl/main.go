// koractl — консольная обвязка SDK: авторизация трат, проверка бюджета
// и выпуск агентских ключей. Режим (sandbox/live) берется из конфига.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/xela07ax/kora-agent-sdk/internal/infra"
	"github.com/xela07ax/kora-agent-sdk/kora"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	switch os.Args[1] {
	case "spend":
		runSpend(cfg, logger, os.Args[2:])
	case "budget":
		runBudget(cfg, logger)
	case "keygen":
		runKeygen(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  koractl spend -vendor <id> -amount <cents> [-currency EUR] [-reason <text>]
  koractl budget
  koractl keygen -agent <agent_id>`)
}

// buildClient собирает клиент по конфигу: sandbox считает локально,
// live ходит на сервер авторизации.
func buildClient(cfg *infra.Config, logger *zap.Logger) (*kora.Kora, error) {
	opts := []kora.Option{
		kora.WithLogger(logger),
		kora.WithTTL(cfg.Client.TTLSeconds),
		kora.WithMaxRetries(cfg.Client.MaxRetries),
		kora.WithAttemptTimeout(cfg.Client.AttemptTimeout),
	}
	if cfg.Client.BaseURL != "" {
		opts = append(opts, kora.WithBaseURL(cfg.Client.BaseURL))
	}

	if cfg.Client.Mode == "live" {
		if cfg.Client.Secret == "" {
			return nil, fmt.Errorf("live mode requires an agent secret (client.secret_path or KORA_AGENT_SECRET_DATA)")
		}
		return kora.New(cfg.Client.Secret, cfg.Client.Mandate, opts...)
	}

	return kora.NewSandbox(&kora.SandboxConfig{
		DailyLimitCents:        cfg.Sandbox.DailyLimitCents,
		MonthlyLimitCents:      cfg.Sandbox.MonthlyLimitCents,
		Currency:               cfg.Sandbox.Currency,
		PerTransactionMaxCents: cfg.Sandbox.PerTransactionMaxCents,
		AllowedVendors:         cfg.Sandbox.AllowedVendors,
	}, opts...), nil
}

func runSpend(cfg *infra.Config, logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("spend", flag.ExitOnError)
	vendor := fs.String("vendor", "", "vendor identifier")
	amount := fs.Int64("amount", 0, "amount in cents")
	currency := fs.String("currency", "EUR", "ISO currency code")
	reason := fs.String("reason", "", "human-readable purpose")
	fs.Parse(args)

	client, err := buildClient(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build client: %v", err)
	}

	result, err := client.Spend(context.Background(), *vendor, *amount, *currency, *reason)
	if err != nil {
		log.Fatalf("spend failed: %v", err)
	}

	printJSON(map[string]any{
		"approved":    result.Approved,
		"decision_id": result.DecisionID,
		"reason_code": result.ReasonCode,
		"message":     result.Message,
		"suggestion":  result.Suggestion,
		"amount":      kora.FormatAmount(result.AmountCents, result.Currency),
		"simulated":   result.Simulated,
	})
	if !result.Approved {
		os.Exit(1)
	}
}

func runBudget(cfg *infra.Config, logger *zap.Logger) {
	client, err := buildClient(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build client: %v", err)
	}

	budget, err := client.CheckBudget(context.Background())
	if err != nil {
		log.Fatalf("budget check failed: %v", err)
	}

	printJSON(map[string]any{
		"currency":          budget.Currency,
		"status":            budget.Status,
		"daily_remaining":   kora.FormatAmount(budget.Daily.RemainingCents, budget.Currency),
		"monthly_remaining": kora.FormatAmount(budget.Monthly.RemainingCents, budget.Currency),
		"daily_resets_at":   budget.Daily.ResetsAt,
		"monthly_resets_at": budget.Monthly.ResetsAt,
	})
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent identifier")
	fs.Parse(args)

	if *agentID == "" {
		log.Fatal("keygen requires -agent")
	}

	secret, publicKey, err := kora.MintAgentKey(*agentID)
	if err != nil {
		log.Fatalf("keygen failed: %v", err)
	}

	printJSON(map[string]any{
		"agent_id":   *agentID,
		"secret":     secret,
		"public_key": publicKey,
	})
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}
