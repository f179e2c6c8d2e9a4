// Package config loads bot, response rule and flow definitions from a YAML file,
// keeps them in sync with the store and serves per-organization business context.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"gopkg.in/yaml.v3"
)

// EnvFlowsFile names the environment variable holding the definitions file path.
const EnvFlowsFile = "FLOWPIPE_FLOWS_FILE"

var (
	ErrEmptyDefinitions = errors.New("definitions file is empty")
	ErrDuplicateFlowID  = errors.New("duplicate flow id")
	ErrDuplicateBot     = errors.New("duplicate bot config for page")
)

// Definitions is the content of a definitions file.
//
//	bots:
//	  - pageId: page-1
//	    orgId: acme
//	    enabled: true
//	flows:
//	  - id: welcome
//	    pageId: page-1
//	    entryNodeId: start
//	    nodes: [...]
//	businessContext:
//	  acme: "Acme sells bicycles."
type Definitions struct {
	Bots            []models.BotConfig    `json:"bots"`
	Rules           []models.ResponseRule `json:"rules"`
	Flows           []models.Flow         `json:"flows"`
	BusinessContext map[string]string     `json:"businessContext"`
}

// Parse decodes YAML (or JSON) definitions and validates them.
// YAML is converted to JSON first so the flow model's {type, config} action decoding applies.
func Parse(data []byte) (*Definitions, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyDefinitions
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	bridged, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert definitions: %w", err)
	}
	var defs Definitions
	if err := json.Unmarshal(bridged, &defs); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return &defs, nil
}

// LoadFile reads and parses the definitions file at path.
func LoadFile(path string) (*Definitions, error) {
	// #nosec G304 -- path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions file: %w", err)
	}
	return Parse(data)
}

// Validate checks ids and flow structure.
func (d *Definitions) Validate() error {
	pages := make(map[string]bool, len(d.Bots))
	for _, b := range d.Bots {
		if b.PageID == "" {
			return fmt.Errorf("bot config: %w", models.ErrEmptyPageID)
		}
		if pages[b.PageID] {
			return fmt.Errorf("%w: %s", ErrDuplicateBot, b.PageID)
		}
		pages[b.PageID] = true
	}
	for i, r := range d.Rules {
		if r.PageID == "" {
			return fmt.Errorf("response rule %d: %w", i, models.ErrEmptyPageID)
		}
		if strings.TrimSpace(r.Trigger) == "" {
			return fmt.Errorf("response rule %d: empty trigger", i)
		}
	}
	flows := make(map[string]bool, len(d.Flows))
	for i := range d.Flows {
		f := &d.Flows[i]
		if err := f.Validate(); err != nil {
			return err
		}
		if flows[f.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateFlowID, f.ID)
		}
		flows[f.ID] = true
	}
	return nil
}

// FlowIDs returns the ids of the defined flows.
func (d *Definitions) FlowIDs() []string {
	ids := make([]string, 0, len(d.Flows))
	for _, f := range d.Flows {
		ids = append(ids, f.ID)
	}
	return ids
}
