// Command gatewayctl is the administrative CLI for the Hounfour gateway.
//
// Operations include pricing cache management, circuit-breaker
// inspection/override, budget counter inspection/checkpointing,
// scheduler task control, and offline x402 payment quoting/verification.
//
// Usage:
//   gatewayctl pricing show --alias gpt-4-fast
//   gatewayctl circuit status --provider openai --model gpt-4
//   gatewayctl budget show
//   gatewayctl scheduler pause --task stuck-detector
//   gatewayctl payment quote --model gpt-4 --max-tokens 4000 --rate 25
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hounfour/gateway/internal/payment"
)

var (
	// Version is set during build.
	Version   = "dev"
	BuildTime = "unknown"

	gatewayAddr string
	verbose     bool

	httpClient = &http.Client{Timeout: 10 * time.Second}
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:   "gatewayctl",
		Short: "gatewayctl - command-line interface for the Hounfour gateway",
		Long: `gatewayctl provides administrative operations for the Hounfour multi-tenant
inference gateway.

Operations include pricing cache management, circuit-breaker status and
override, budget counter inspection, scheduler task control, and offline
x402 payment quoting/verification.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "addr", getEnv("GATEWAY_ADMIN_ADDR", "http://localhost:8080"), "gateway admin HTTP address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(pricingCmd())
	rootCmd.AddCommand(circuitCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(paymentCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// pricingCmd creates the pricing command group.
func pricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Pricing cache operations",
		Long:  "Inspect and reload the Redis-backed pricing cache (internal/sync)",
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Force a full pricing/tenant-tier resync from PostgreSQL into Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := adminPost("/admin/pricing/reload", nil)
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the cached pricing row for a model alias",
		RunE: func(cmd *cobra.Command, args []string) error {
			alias, _ := cmd.Flags().GetString("alias")
			result, err := adminGet("/admin/pricing/show", url.Values{"alias": {alias}})
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	showCmd.Flags().String("alias", "", "model alias (required)")
	showCmd.MarkFlagRequired("alias")

	cmd.AddCommand(reloadCmd, showCmd)
	return cmd
}

// circuitCmd creates the circuit command group.
func circuitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Health-prober circuit-breaker operations",
		Long:  "Inspect and override per-(provider, model) circuit-breaker state",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show circuit-breaker state for a provider/model pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, _ := cmd.Flags().GetString("provider")
			model, _ := cmd.Flags().GetString("model")
			result, err := adminGet("/admin/circuit/status", url.Values{"provider": {provider}, "model": {model}})
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	statusCmd.Flags().String("provider", "", "provider name (required)")
	statusCmd.Flags().String("model", "", "model id (required)")
	statusCmd.MarkFlagRequired("provider")
	statusCmd.MarkFlagRequired("model")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Force a provider/model circuit breaker back to CLOSED",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, _ := cmd.Flags().GetString("provider")
			model, _ := cmd.Flags().GetString("model")
			result, err := adminPost("/admin/circuit/reset", url.Values{"provider": {provider}, "model": {model}})
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	resetCmd.Flags().String("provider", "", "provider name (required)")
	resetCmd.Flags().String("model", "", "model id (required)")
	resetCmd.MarkFlagRequired("provider")
	resetCmd.MarkFlagRequired("model")

	cmd.AddCommand(statusCmd, resetCmd)
	return cmd
}

// budgetCmd creates the budget command group.
func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Budget enforcer operations",
		Long:  "Inspect per-scope spend counters and force an out-of-band checkpoint",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show every scope's spent_micro counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := adminGet("/admin/budget/counters", nil)
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Force an immediate checkpoint write",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := adminPost("/admin/budget/checkpoint", nil)
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}

	cmd.AddCommand(showCmd, checkpointCmd)
	return cmd
}

// schedulerCmd creates the scheduler command group.
func schedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Scheduled-task operations",
		Long:  "List registered tasks and pause/resume individual tasks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every registered scheduled task and its circuit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := adminGet("/admin/scheduler/tasks", nil)
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause a scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, _ := cmd.Flags().GetString("task")
			result, err := adminPost("/admin/scheduler/pause", url.Values{"task": {taskID}})
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	pauseCmd.Flags().String("task", "", "task id (required)")
	pauseCmd.MarkFlagRequired("task")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, _ := cmd.Flags().GetString("task")
			result, err := adminPost("/admin/scheduler/resume", url.Values{"task": {taskID}})
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	resumeCmd.Flags().String("task", "", "task id (required)")
	resumeCmd.MarkFlagRequired("task")

	cmd.AddCommand(listCmd, pauseCmd, resumeCmd)
	return cmd
}

// paymentCmd creates the payment command group. Unlike the other groups,
// these run entirely offline against the payment package directly — a
// quote or a signature check doesn't need the running gateway's process
// state, only the same crypto/arithmetic the x402 pipeline itself uses.
func paymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Offline x402 payment tooling",
		Long:  "Generate a quote or verify a transfer-authorization proof without a running gateway",
	}

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Compute a quote the way GenerateQuote does",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _ := cmd.Flags().GetString("model")
			maxTokens, _ := cmd.Flags().GetInt64("max-tokens")
			ratePerToken, _ := cmd.Flags().GetInt64("rate")
			markup, _ := cmd.Flags().GetFloat64("markup")
			exchangeRate, _ := cmd.Flags().GetFloat64("exchange-rate")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			store := payment.NewQuoteStore()
			q, err := payment.GenerateQuote(store, model, maxTokens, ratePerToken,
				decimal.NewFromFloat(markup), decimal.NewFromFloat(exchangeRate), ttl)
			if err != nil {
				return fmt.Errorf("quote failed: %w", err)
			}
			printJSON(q)
			return nil
		},
	}
	quoteCmd.Flags().String("model", "", "model id (required)")
	quoteCmd.Flags().Int64("max-tokens", 0, "maximum tokens (required)")
	quoteCmd.Flags().Int64("rate", 0, "rate per token in micro-USDC (required)")
	quoteCmd.Flags().Float64("markup", 1.0, "markup factor")
	quoteCmd.Flags().Float64("exchange-rate", 1.0, "USD/USDC exchange rate to freeze")
	quoteCmd.Flags().Duration("ttl", 5*time.Minute, "quote time-to-live")
	quoteCmd.MarkFlagRequired("model")
	quoteCmd.MarkFlagRequired("max-tokens")
	quoteCmd.MarkFlagRequired("rate")

	verifyCmd := &cobra.Command{
		Use:   "verify-local",
		Short: "Verify a JSON-encoded transfer-authorization proof against a treasury address",
		Long: `Reads a flat JSON proof (from, to, value, valid_after, valid_before,
nonce, signature) from --proof-file (or stdin),
runs the same recipient/value/expiry/signature checks as Verifier.Verify,
and reports the result. Replay protection and WAL auditing are skipped —
this is a standalone signature sanity check, not a substitute for the
live verify stage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			treasuryStr, _ := cmd.Flags().GetString("treasury")
			maxCost, _ := cmd.Flags().GetInt64("max-cost")
			proofFile, _ := cmd.Flags().GetString("proof-file")

			var raw []byte
			var err error
			if proofFile == "" || proofFile == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(proofFile)
			}
			if err != nil {
				return fmt.Errorf("failed to read proof: %w", err)
			}

			var wireProof wireProof
			if err := json.Unmarshal(raw, &wireProof); err != nil {
				return fmt.Errorf("invalid proof JSON: %w", err)
			}
			proof, err := wireProof.toProof()
			if err != nil {
				return fmt.Errorf("invalid proof fields: %w", err)
			}

			treasury := common.HexToAddress(treasuryStr)
			var domainSeparator [32]byte
			verifier := payment.NewVerifier(treasury, domainSeparator, noopReplayStore{}, nil, nil)

			quote := payment.Quote{MaxCostMicro: maxCost, ExpiresAt: time.Now().Add(time.Hour)}
			result, err := verifier.Verify(proof, quote)
			if err != nil {
				printJSON(map[string]interface{}{"valid": false, "error": err.Error()})
				return nil
			}
			printJSON(result)
			return nil
		},
	}
	verifyCmd.Flags().String("treasury", "", "treasury address (required)")
	verifyCmd.Flags().Int64("max-cost", 0, "quoted max cost in micro-USDC (required)")
	verifyCmd.Flags().String("proof-file", "-", "path to a Proof JSON document, or - for stdin")
	verifyCmd.MarkFlagRequired("treasury")
	verifyCmd.MarkFlagRequired("max-cost")

	cmd.AddCommand(quoteCmd, verifyCmd)
	return cmd
}

// wireProof is the JSON-friendly mirror of payment.Proof (big.Int and
// fixed-size arrays don't round-trip through encoding/json directly).
type wireProof struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"valid_after"`
	ValidBefore int64  `json:"valid_before"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

func (w wireProof) toProof() (payment.Proof, error) {
	value, ok := new(big.Int).SetString(w.Value, 10)
	if !ok {
		return payment.Proof{}, fmt.Errorf("value %q is not a valid integer", w.Value)
	}
	nonceBytes := common.FromHex(w.Nonce)
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	return payment.Proof{
		Auth: payment.TransferAuthorization{
			From: common.HexToAddress(w.From), To: common.HexToAddress(w.To),
			Value: value, ValidAfter: w.ValidAfter, ValidBefore: w.ValidBefore, Nonce: nonce,
		},
		Signature: common.FromHex(w.Signature),
	}, nil
}

// noopReplayStore always reports a payment as first-seen — verify-local
// is a standalone check, not a participant in the live replay guard.
type noopReplayStore struct{}

func (noopReplayStore) SetNX(key string, ttl time.Duration) (bool, error) { return true, nil }

// Helpers

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func adminGet(path string, query url.Values) (interface{}, error) {
	u := gatewayAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := httpClient.Get(u)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", u, err)
	}
	return decodeAdminResponse(resp)
}

func adminPost(path string, query url.Values) (interface{}, error) {
	u := gatewayAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := httpClient.Post(u, "application/json", bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", u, err)
	}
	return decodeAdminResponse(resp)
}

// decodeAdminResponse decodes either a JSON object or a JSON array —
// scheduler/tasks returns the latter, every other admin route the former.
func decodeAdminResponse(resp *http.Response) (interface{}, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway returned %d: %v", resp.StatusCode, parsed)
	}
	return parsed, nil
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
