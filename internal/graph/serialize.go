package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// graphDocument is the on-disk JSON shape of a graph snapshot. Feature
// vectors, amounts, timestamps and relation names all round trip exactly.
type graphDocument struct {
	Accounts     []Account     `json:"accounts"`
	Transactions []Transaction `json:"transactions"`
}

// Encode writes the graph as a JSON document. Accounts are emitted in
// ascending ID order and transactions in insertion order, so identical graphs
// encode to identical bytes.
func (g *Graph) Encode(w io.Writer) error {
	doc := graphDocument{
		Accounts:     make([]Account, 0, len(g.accountIDs)),
		Transactions: g.txs,
	}
	for _, id := range g.accountIDs {
		doc.Accounts = append(doc.Accounts, g.accounts[id])
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	return nil
}

// Decode reads a JSON graph document and rebuilds the immutable snapshot,
// re-validating every transaction's endpoints and relation.
func Decode(r io.Reader) (*Graph, error) {
	var doc graphDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}

	builder := NewBuilder()
	for _, account := range doc.Accounts {
		if err := builder.AddAccount(account); err != nil {
			return nil, err
		}
	}
	for _, tx := range doc.Transactions {
		if err := builder.addExisting(tx); err != nil {
			return nil, err
		}
	}
	return builder.Build(), nil
}

// Encode writes the ground-truth label maps as JSON.
func (l *Labels) Encode(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(l); err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	return nil
}

// DecodeLabels reads a JSON label document.
func DecodeLabels(r io.Reader) (*Labels, error) {
	labels := NewLabels()
	if err := json.NewDecoder(r).Decode(labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	return labels, nil
}

// scoreEntry keeps the score table file diffable: one row per account,
// sorted by ID.
type scoreEntry struct {
	AccountID   int64   `json:"account_id"`
	Probability float64 `json:"fraud_probability"`
}

// Encode writes the per-account score table as a sorted JSON array.
func (t ScoreTable) Encode(w io.Writer) error {
	entries := make([]scoreEntry, 0, len(t))
	for id, probability := range t {
		entries = append(entries, scoreEntry{AccountID: id, Probability: probability})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AccountID < entries[j].AccountID })

	if err := json.NewEncoder(w).Encode(entries); err != nil {
		return fmt.Errorf("failed to encode score table: %w", err)
	}
	return nil
}

// DecodeScores reads a JSON score table.
func DecodeScores(r io.Reader) (ScoreTable, error) {
	var entries []scoreEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode score table: %w", err)
	}
	table := make(ScoreTable, len(entries))
	for _, entry := range entries {
		table[entry.AccountID] = entry.Probability
	}
	return table, nil
}
