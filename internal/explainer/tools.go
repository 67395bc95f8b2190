package explainer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentinalhq/sentinal/internal/graph"
)

// The reasoning loop may issue only this closed set of read-only graph
// queries, modeled as a tagged union and dispatched through a bounded-round
// loop. Unknown tool names are rejected, never reflected into arbitrary
// calls.

const (
	toolGetAccountInfo       = "get_account_info"
	toolGetNeighbors         = "get_neighbors"
	toolGetTransactionDetail = "get_transaction_detail"
)

type toolQuery interface {
	toolName() string
}

type getAccountInfo struct {
	AccountID int64 `json:"account_id"`
}

type getNeighbors struct {
	AccountID int64 `json:"account_id"`
}

type getTransactionDetail struct {
	TransactionID int64 `json:"transaction_id"`
}

func (getAccountInfo) toolName() string       { return toolGetAccountInfo }
func (getNeighbors) toolName() string         { return toolGetNeighbors }
func (getTransactionDetail) toolName() string { return toolGetTransactionDetail }

// parseToolQuery maps a model-issued tool call onto the closed union.
func parseToolQuery(name string, args json.RawMessage) (toolQuery, error) {
	switch name {
	case toolGetAccountInfo:
		var q getAccountInfo
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, fmt.Errorf("invalid %s arguments: %w", name, err)
		}
		return q, nil
	case toolGetNeighbors:
		var q getNeighbors
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, fmt.Errorf("invalid %s arguments: %w", name, err)
		}
		return q, nil
	case toolGetTransactionDetail:
		var q getTransactionDetail
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, fmt.Errorf("invalid %s arguments: %w", name, err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// toolbox answers the closed query set against the immutable graph and the
// score table. All queries are read-only.
type toolbox struct {
	graph     *graph.Graph
	scores    graph.ScoreTable
	threshold float64
}

func (tb *toolbox) dispatch(query toolQuery) string {
	switch q := query.(type) {
	case getAccountInfo:
		return tb.accountInfo(q.AccountID)
	case getNeighbors:
		return tb.neighbors(q.AccountID)
	case getTransactionDetail:
		return tb.transactionDetail(q.TransactionID)
	default:
		return fmt.Sprintf("unsupported query %q", query.toolName())
	}
}

func (tb *toolbox) accountInfo(accountID int64) string {
	account, ok := tb.graph.Account(accountID)
	if !ok {
		return fmt.Sprintf("account %d not found", accountID)
	}
	probability := tb.scores[accountID]
	flagged := "no"
	if probability >= tb.threshold {
		flagged = "yes"
	}
	return fmt.Sprintf(
		"Account %d: features=%v, fraud_probability=%.3f, flagged=%s, outgoing=%d, incoming=%d",
		account.ID, account.Features, probability, flagged,
		len(tb.graph.Outgoing(accountID)), len(tb.graph.Incoming(accountID)))
}

func (tb *toolbox) neighbors(accountID int64) string {
	if !tb.graph.HasAccount(accountID) {
		return fmt.Sprintf("account %d not found", accountID)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Neighbors of account %d:\n", accountID)
	for _, tx := range tb.graph.Outgoing(accountID) {
		fmt.Fprintf(&sb, "  -> account %d (tx %d, %s, $%.2f, fraud_probability %.3f)\n",
			tx.To, tx.ID, tx.Relation, tx.Amount, tb.scores[tx.To])
	}
	for _, tx := range tb.graph.Incoming(accountID) {
		fmt.Fprintf(&sb, "  <- account %d (tx %d, %s, $%.2f, fraud_probability %.3f)\n",
			tx.From, tx.ID, tx.Relation, tx.Amount, tb.scores[tx.From])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (tb *toolbox) transactionDetail(transactionID int64) string {
	tx, ok := tb.graph.Transaction(transactionID)
	if !ok {
		return fmt.Sprintf("transaction %d not found", transactionID)
	}
	return fmt.Sprintf("Transaction %d: %d -> %d, $%.2f, %s, timestamp %d",
		tx.ID, tx.From, tx.To, tx.Amount, tx.Relation, tx.Timestamp)
}

// toolDefinitions describes the closed query set to the model.
func toolDefinitions() []Tool {
	return []Tool{
		{
			Type: "function",
			Function: ToolFunction{
				Name:        toolGetAccountInfo,
				Description: "Get an account's features, fraud probability and degree counts. Input: account_id (integer).",
				Parameters: ToolParameters{
					Type: "object",
					Properties: map[string]ToolProperty{
						"account_id": {Type: "integer", Description: "Account ID to look up"},
					},
					Required: []string{"account_id"},
				},
			},
		},
		{
			Type: "function",
			Function: ToolFunction{
				Name:        toolGetNeighbors,
				Description: "List an account's direct incoming and outgoing transactions with counterpart fraud probabilities. Input: account_id (integer).",
				Parameters: ToolParameters{
					Type: "object",
					Properties: map[string]ToolProperty{
						"account_id": {Type: "integer", Description: "Account ID whose neighbors to list"},
					},
					Required: []string{"account_id"},
				},
			},
		},
		{
			Type: "function",
			Function: ToolFunction{
				Name:        toolGetTransactionDetail,
				Description: "Get one transaction's endpoints, amount, relation type and timestamp. Input: transaction_id (integer).",
				Parameters: ToolParameters{
					Type: "object",
					Properties: map[string]ToolProperty{
						"transaction_id": {Type: "integer", Description: "Transaction ID to look up"},
					},
					Required: []string{"transaction_id"},
				},
			},
		},
	}
}
