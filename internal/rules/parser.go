package rules

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Document is the YAML shape accepted by ParseDocument. It mirrors the rule
// fields but leaves runtime state out; parsed rules start in PENDING.
type Document struct {
	Version  string         `yaml:"version"`
	Defaults *DocumentRule  `yaml:"defaults,omitempty"`
	Rules    []DocumentRule `yaml:"rules"`
}

// DocumentRule is one rule entry in a YAML rules document.
type DocumentRule struct {
	ID           string         `yaml:"id,omitempty"`
	Name         string         `yaml:"name,omitempty"`
	Symbol       string         `yaml:"symbol"`
	Exchange     string         `yaml:"exchange,omitempty"`
	PositionType string         `yaml:"position_type"`
	EntryPrice   float64        `yaml:"entry_price"`
	Quantity     float64        `yaml:"quantity"`
	Priority     int            `yaml:"priority,omitempty"`
	TakeProfit   *ExitCondition `yaml:"take_profit,omitempty"`
	StopLoss     *ExitCondition `yaml:"stop_loss,omitempty"`
	Window       *TimeWindow    `yaml:"time_conditions,omitempty"`
}

// ParseDocument decodes a YAML rules document into validated rules for the
// given user. Rules missing an id get a generated one; rules missing a time
// spec inherit the document defaults, then the built-in defaults.
func ParseDocument(data []byte, userID string) ([]*Rule, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules document: %w", err)
	}

	out := make([]*Rule, 0, len(doc.Rules))
	for i := range doc.Rules {
		dr := &doc.Rules[i]
		if doc.Defaults != nil {
			applyDefaults(dr, doc.Defaults)
		}
		r := dr.toRule(userID)
		if err := Validate(r); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Symbol, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseFile reads and parses a YAML rules file. A missing file yields an
// empty rule list, matching hot-reload semantics for an unconfigured user.
func ParseFile(path, userID string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseDocument(data, userID)
}

func applyDefaults(dr, def *DocumentRule) {
	if dr.TakeProfit == nil {
		dr.TakeProfit = def.TakeProfit
	}
	if dr.StopLoss == nil {
		dr.StopLoss = def.StopLoss
	}
	if dr.Window == nil {
		dr.Window = def.Window
	}
	if dr.Exchange == "" {
		dr.Exchange = def.Exchange
	}
}

func (dr *DocumentRule) toRule(userID string) *Rule {
	id := dr.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Rule{
		ID:           id,
		UserID:       userID,
		Name:         dr.Name,
		Symbol:       dr.Symbol,
		Exchange:     dr.Exchange,
		PositionType: PositionType(dr.PositionType),
		EntryPrice:   dr.EntryPrice,
		Quantity:     dr.Quantity,
		Priority:     dr.Priority,
		Enabled:      true,
		TakeProfit:   dr.TakeProfit,
		StopLoss:     dr.StopLoss,
		Window:       dr.Window,
		Status:       StatusPending,
	}
}
