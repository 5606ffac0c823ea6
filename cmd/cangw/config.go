package main

//
// Startup configuration: an optional TOML file provides defaults,
// command-line flags override them. Grounded on joeycumines-go-utilpkg's
// BurntSushi/toml dependency surface; netem's cmd/* binaries take all
// configuration from flags alone, so the file-loading half of this is new,
// kept in the library's own idiom (a plain struct with `toml:"..."` tags
// decoded via toml.DecodeFile).
//

import (
	"github.com/BurntSushi/toml"

	"github.com/hiltest/cangw"
)

// fileConfig is the shape of an optional startup TOML file.
type fileConfig struct {
	Iface0    string       `toml:"iface0"`
	Iface1    string       `toml:"iface1"`
	Bitrate   int          `toml:"bitrate"`
	DelayMs   float64      `toml:"delay_ms"`
	JitterMs  float64      `toml:"jitter_ms"`
	LossPct   float64      `toml:"loss_pct"`
	LogDir    string       `toml:"log_dir"`
	Virtual   bool         `toml:"virtual"`
	MetricsOn bool         `toml:"metrics"`
	Rules     []ruleConfig `toml:"rules"`
}

// ruleConfig is one [[rules]] table entry: a TOML-friendly mirror of
// [cangw.ManipulationRule] so a rule table can be authored in the same
// config file as the rest of the gateway's startup settings.
type ruleConfig struct {
	Name         string         `toml:"name"`
	CANID        int32          `toml:"can_id"`
	IDMask       uint32         `toml:"id_mask"`
	Direction    string         `toml:"direction"` // "0to1", "1to0", or "both"
	Action       string         `toml:"action"`    // "forward", "drop", or "delay"
	ExtraDelayMs float32        `toml:"extra_delay_ms"`
	Enabled      bool           `toml:"enabled"`
	ByteOps      []byteOpConfig `toml:"byte_ops"`
}

// byteOpConfig is one [[rules.byte_ops]] entry, mirroring [cangw.ByteOp].
type byteOpConfig struct {
	Index uint8  `toml:"index"`
	Op    string `toml:"op"` // "set", "and", "or", "xor", "add", or "sub"
	Value uint8  `toml:"value"`
}

var actionNames = map[string]cangw.RuleAction{
	"forward": cangw.ActionForward,
	"drop":    cangw.ActionDrop,
	"delay":   cangw.ActionDelay,
}

var byteOpKindNames = map[string]cangw.ByteOpKind{
	"set": cangw.OpSet,
	"and": cangw.OpAnd,
	"or":  cangw.OpOr,
	"xor": cangw.OpXor,
	"add": cangw.OpAdd,
	"sub": cangw.OpSub,
}

// toRule converts a TOML rule entry into a [cangw.ManipulationRule]. An
// empty or unrecognized direction defaults to RuleDirectionBoth; an
// unrecognized action or byte-op kind defaults to its zero value (Forward,
// Set respectively).
func (c ruleConfig) toRule() *cangw.ManipulationRule {
	dir, err := cangw.ParseRuleDirection(c.Direction)
	if err != nil {
		dir = cangw.RuleDirectionBoth
	}
	rule := &cangw.ManipulationRule{
		Name:         c.Name,
		CANID:        c.CANID,
		IDMask:       c.IDMask,
		Direction:    dir,
		Action:       actionNames[c.Action],
		ExtraDelayMs: c.ExtraDelayMs,
		Enabled:      c.Enabled,
	}
	for _, op := range c.ByteOps {
		rule.ByteOps = append(rule.ByteOps, cangw.ByteOp{
			Index: op.Index,
			Op:    byteOpKindNames[op.Op],
			Value: op.Value,
		})
	}
	return rule
}

// loadRules converts every [[rules]] entry in cfg into a rule table.
func loadRules(cfg fileConfig) []*cangw.ManipulationRule {
	rules := make([]*cangw.ManipulationRule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		rules = append(rules, rc.toRule())
	}
	return rules
}

// loadFileConfig decodes path, returning a zero-value fileConfig (not an
// error) when path is empty.
func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}
