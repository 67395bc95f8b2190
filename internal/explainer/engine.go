package explainer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/common"
	"github.com/sentinalhq/sentinal/pkg/logger"
	"github.com/sentinalhq/sentinal/pkg/resilience"
)

// NarrativeSource distinguishes model-generated narratives from templated
// fallbacks.
type NarrativeSource string

const (
	NarrativeModel    NarrativeSource = "model"
	NarrativeTemplate NarrativeSource = "template"
)

// Report is the full explanation for one flagged account. It is created per
// request and owned by the caller.
type Report struct {
	ReportID         string          `json:"report_id"`
	AccountID        int64           `json:"account_id"`
	FraudProbability float64         `json:"fraud_probability"`
	ReasonCode       ReasonCode      `json:"reason_code"`
	Narrative        string          `json:"narrative"`
	NarrativeSource  NarrativeSource `json:"narrative_source"`
	Evidence         *Evidence       `json:"evidence"`
}

// Config tunes the evidence pipeline and the reasoning loop.
type Config struct {
	Hops               int
	MaxToolRounds      int
	ClusterWindow      time.Duration
	RapidFireThreshold int
	FanOutThreshold    int
	FraudThreshold     float64
	Timeout            time.Duration
}

// DefaultConfig matches the production tuning: 2-hop neighborhoods, at most 5
// tool rounds, accounts flagged at probability 0.8.
func DefaultConfig() Config {
	return Config{
		Hops:               2,
		MaxToolRounds:      5,
		ClusterWindow:      time.Minute,
		RapidFireThreshold: 5,
		FanOutThreshold:    8,
		FraudThreshold:     0.8,
		Timeout:            60 * time.Second,
	}
}

// Engine turns detector output into explanation reports. Evidence extraction
// and reason-code classification are fully deterministic; only the narrative
// wording involves the language model, and the model is constrained to cite
// the supplied facts.
type Engine struct {
	graph   *graph.Graph
	scores  graph.ScoreTable
	llm     LLMClient
	breaker *resilience.CircuitBreaker
	cfg     Config
}

// New creates an explanation engine over an immutable graph and score table.
// A nil LLM client pins every narrative to the templated fallback.
func New(g *graph.Graph, scores graph.ScoreTable, llm LLMClient, cfg Config) *Engine {
	var breaker *resilience.CircuitBreaker
	if llm != nil {
		breaker = resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "ollama",
			Timeout:          30 * time.Second,
			FailureThreshold: 3,
		}, nil)
	}
	return &Engine{graph: g, scores: scores, llm: llm, breaker: breaker, cfg: cfg}
}

// Explain produces the explanation report for one account. Language-model
// unavailability, breaker-open states, malformed replies and round-budget
// exhaustion all degrade to the templated narrative; they never fail the
// request.
func (e *Engine) Explain(ctx context.Context, accountID int64) (*Report, error) {
	if !e.graph.HasAccount(accountID) {
		return nil, common.NewNotFoundError(fmt.Sprintf("account %d not found", accountID))
	}
	probability := e.scores[accountID]

	evidence, err := extractEvidence(e.graph, e.scores, e.cfg.FraudThreshold, accountID, e.cfg.Hops, e.cfg.ClusterWindow)
	if err != nil {
		return nil, err
	}
	reason := classify(evidence, e.cfg.RapidFireThreshold, e.cfg.FanOutThreshold)

	narrative, source := e.narrative(ctx, probability, reason, evidence)

	return &Report{
		ReportID:         uuid.NewString(),
		AccountID:        accountID,
		FraudProbability: probability,
		ReasonCode:       reason,
		Narrative:        narrative,
		NarrativeSource:  source,
		Evidence:         evidence,
	}, nil
}

func (e *Engine) narrative(ctx context.Context, probability float64, reason ReasonCode, evidence *Evidence) (string, NarrativeSource) {
	if e.llm == nil {
		return templateNarrative(probability, reason, evidence), NarrativeTemplate
	}

	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	result, err := e.breaker.Execute(callCtx, func(ctx context.Context) (interface{}, error) {
		return e.runToolLoop(ctx, probability, reason, evidence)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = common.NewServiceTimeoutError("language model call timed out", err)
		}
		recordFallback(string(reason))
		logger.WithContext(ctx).Warn("language model narrative unavailable, using templated fallback",
			zap.Int64("account_id", evidence.AccountID), zap.Error(err))
		return templateNarrative(probability, reason, evidence), NarrativeTemplate
	}
	return result.(string), NarrativeModel
}

// runToolLoop drives the bounded tool-calling conversation. The model may
// issue queries from the closed tool set for at most MaxToolRounds rounds
// before it must produce its final narrative.
func (e *Engine) runToolLoop(ctx context.Context, probability float64, reason ReasonCode, evidence *Evidence) (string, error) {
	tb := &toolbox{graph: e.graph, scores: e.scores, threshold: e.cfg.FraudThreshold}
	tools := toolDefinitions()

	messages := []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildPrompt(probability, reason, evidence)},
	}

	for round := 1; round <= e.cfg.MaxToolRounds; round++ {
		reply, err := e.llm.Chat(ctx, messages, tools)
		if err != nil {
			return "", err
		}

		if len(reply.ToolCalls) == 0 {
			narrative := strings.TrimSpace(reply.Content)
			if narrative == "" {
				return "", fmt.Errorf("model returned an empty narrative")
			}
			observeToolRounds(round - 1)
			return narrative, nil
		}

		messages = append(messages, *reply)
		for _, call := range reply.ToolCalls {
			var result string
			query, err := parseToolQuery(call.Function.Name, call.Function.Arguments)
			if err != nil {
				result = err.Error()
			} else {
				result = tb.dispatch(query)
			}
			messages = append(messages, ChatMessage{Role: "tool", Content: result})
		}
	}

	observeToolRounds(e.cfg.MaxToolRounds)
	return "", fmt.Errorf("tool loop exceeded %d rounds without a final narrative", e.cfg.MaxToolRounds)
}

const systemPrompt = `You are a fraud compliance officer analyzing suspicious financial activity.
Explain fraud patterns detected by a graph neural network in clear, plain English.
Cite only the facts supplied in the evidence and tool results. Never invent
scores, accounts, transactions or paths. When you have enough information,
reply with the final explanation and no further tool calls.`

// buildPrompt renders the deterministic evidence into a bounded prompt.
func buildPrompt(probability float64, reason ReasonCode, evidence *Evidence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %d was scored with fraud probability %.3f.\n", evidence.AccountID, probability)
	fmt.Fprintf(&sb, "Dominant pattern: %s.\n", reason)
	fmt.Fprintf(&sb, "Evidence from its %d-hop neighborhood (%d accounts):\n", evidence.Hops, evidence.NeighborhoodSize)

	if len(evidence.Cycle) > 0 {
		fmt.Fprintf(&sb, "- Directed cycle: %s -> back to %d\n", formatPath(evidence.Cycle), evidence.Cycle[0])
		for _, tx := range evidence.CycleEdges {
			fmt.Fprintf(&sb, "  hop %d -> %d: $%.2f (%s) at timestamp %d\n", tx.From, tx.To, tx.Amount, tx.Relation, tx.Timestamp)
		}
		if len(evidence.RetentionRatios) > 0 {
			fmt.Fprintf(&sb, "- Per-hop retention ratios: %s\n", formatRatios(evidence.RetentionRatios))
		}
	}
	fmt.Fprintf(&sb, "- Max transactions within the clustering window: %d\n", evidence.MaxTxInWindow)
	fmt.Fprintf(&sb, "- Fan-out degree: %d, fan-in degree: %d\n", evidence.FanOut, evidence.FanIn)
	fmt.Fprintf(&sb, "- Flagged accounts within %d hops: %d\n", evidence.Hops, evidence.FlaggedNeighbors)
	sb.WriteString("Explain why this activity indicates fraud or money laundering.")
	return sb.String()
}

// templateNarrative builds the fallback narrative directly from the
// deterministic evidence.
func templateNarrative(probability float64, reason ReasonCode, evidence *Evidence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %d was flagged with a fraud probability of %.3f (reason code: %s). ",
		evidence.AccountID, probability, reason)

	switch reason {
	case ReasonCyclicFlow:
		fmt.Fprintf(&sb, "Funds move in a closed cycle of %d accounts (%s -> back to %d), a structure typical of money laundering rings. ",
			len(evidence.Cycle), formatPath(evidence.Cycle), evidence.Cycle[0])
		if len(evidence.RetentionRatios) > 0 {
			fmt.Fprintf(&sb, "Each hop forwards roughly %s of the amount received, consistent with layered value retention. ",
				formatRatios(evidence.RetentionRatios))
		}
	case ReasonRapidPassthrough:
		fmt.Fprintf(&sb, "The account moved %d transactions within a single clustering window, a velocity far above normal usage. ",
			evidence.MaxTxInWindow)
	case ReasonFanOut:
		fmt.Fprintf(&sb, "The account dispersed funds across %d outgoing transfers, a distribution pattern typical of the layering phase. ",
			evidence.FanOut)
	default:
		sb.WriteString("No cyclic, velocity or dispersion pattern was found in its neighborhood. ")
	}

	if evidence.FlaggedNeighbors > 0 {
		fmt.Fprintf(&sb, "It is connected to %d other flagged accounts within %d hops.",
			evidence.FlaggedNeighbors, evidence.Hops)
	} else {
		fmt.Fprintf(&sb, "No other flagged accounts were found within %d hops.", evidence.Hops)
	}
	return sb.String()
}

func formatPath(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, " -> ")
}

func formatRatios(ratios []float64) string {
	parts := make([]string, len(ratios))
	for i, r := range ratios {
		parts[i] = fmt.Sprintf("%.2f", r)
	}
	return strings.Join(parts, ", ")
}
