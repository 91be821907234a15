package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/tenantrules/internal/logger"
)

// Definition keys understood by the parser.
const (
	fieldRuleID        = "rule_id"
	fieldRuleType      = "rule_type"
	fieldDescription   = "description"
	fieldCondition     = "condition"
	fieldConditionType = "condition_type"
	fieldAction        = "action"
	fieldPriority      = "priority"
	fieldActive        = "is_active"
	fieldWhen          = "when"
)

// ParserConfig holds the defaults applied to fields a definition omits.
type ParserConfig struct {
	DefaultRuleType      string
	DefaultConditionType ConditionType
}

// DefaultParserConfig returns the stock defaults.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{
		DefaultRuleType:      "product_mapping",
		DefaultConditionType: ConditionAnd,
	}
}

// Parser turns YAML rule definitions into validated Rules. It is safe for
// concurrent use.
type Parser struct {
	config ParserConfig
	env    *cel.Env
	logger *slog.Logger
}

// ParserOption customises a Parser.
type ParserOption func(*Parser)

// WithParserLogger sets the logger used for skipped batch entries.
func WithParserLogger(l *slog.Logger) ParserOption {
	return func(p *Parser) { p.logger = l }
}

// NewParser builds a parser with the given defaults.
func NewParser(config ParserConfig, opts ...ParserOption) (*Parser, error) {
	if config.DefaultConditionType == "" {
		config.DefaultConditionType = ConditionAnd
	}
	if !config.DefaultConditionType.Valid() {
		return nil, fmt.Errorf("default condition type %q must be AND or OR", config.DefaultConditionType)
	}
	if config.DefaultRuleType == "" {
		config.DefaultRuleType = DefaultParserConfig().DefaultRuleType
	}

	env, err := NewGuardEnv()
	if err != nil {
		return nil, err
	}

	p := &Parser{
		config: config,
		env:    env,
		logger: logger.Component("rules.parser"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Parse parses a single rule document.
func (p *Parser) Parse(text string) (*Rule, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, formatErr("", "", "malformed yaml: %v", err)
	}
	root := documentRoot(&doc)
	if root == nil {
		return nil, formatErr("", "", "document is empty")
	}
	rule, err := p.parseNode(root)
	if err != nil {
		return nil, err
	}
	rule.Source = text
	return rule, nil
}

// BatchError describes one entry of a batch that failed validation.
type BatchError struct {
	Index int
	Line  int
	Err   error
}

// BatchResult is the outcome of parsing a batch of definitions.
type BatchResult struct {
	Rules []*Rule
	// Positions holds the batch index of each entry in Rules.
	Positions []int
	Skipped   []BatchError
}

// ParseMultiple parses a list of rule documents. A single mapping is treated
// as a one-element list, and a YAML stream of several documents is accepted.
// Entries that fail validation are logged and skipped; only a document that
// cannot be read as YAML at all fails the batch.
func (p *Parser) ParseMultiple(text string) ([]*Rule, error) {
	res, err := p.ParseBatch(text)
	if err != nil {
		return nil, err
	}
	for _, skipped := range res.Skipped {
		p.logger.Warn("skipping invalid rule definition",
			"index", skipped.Index,
			"line", skipped.Line,
			"error", skipped.Err,
		)
	}
	return res.Rules, nil
}

// ParseBatch is ParseMultiple without logging; rejected entries are returned
// in the result instead.
func (p *Parser) ParseBatch(text string) (*BatchResult, error) {
	var nodes []*yaml.Node

	dec := yaml.NewDecoder(strings.NewReader(text))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, formatErr("", "", "malformed yaml: %v", err)
		}
		root := documentRoot(&doc)
		if root == nil {
			continue
		}
		switch root.Kind {
		case yaml.SequenceNode:
			nodes = append(nodes, root.Content...)
		case yaml.MappingNode:
			nodes = append(nodes, root)
		default:
			return nil, formatErr("", "", "expected a list of rules or a single rule mapping")
		}
	}

	res := &BatchResult{Rules: make([]*Rule, 0, len(nodes))}
	for i, n := range nodes {
		rule, err := p.parseNode(n)
		if err != nil {
			res.Skipped = append(res.Skipped, BatchError{Index: i, Line: n.Line, Err: err})
			continue
		}
		rule.Source = encodeNode(detach(n))
		res.Rules = append(res.Rules, rule)
		res.Positions = append(res.Positions, i)
	}
	return res, nil
}

// Validate re-checks the structural constraints Parse enforces on a rule
// that is already in memory. It never panics and returns false for nil.
func (p *Parser) Validate(r *Rule) bool {
	if r == nil {
		return false
	}
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Type) == "" {
		return false
	}
	if len(r.Condition) == 0 || len(r.Action) == 0 {
		return false
	}
	if !r.ConditionType.Valid() {
		return false
	}
	if r.When != "" && r.guard == nil {
		if _, err := compileGuard(p.env, r.When); err != nil {
			return false
		}
	}
	return true
}

func (p *Parser) parseNode(n *yaml.Node) (*Rule, error) {
	n = resolve(n)
	if n.Kind != yaml.MappingNode {
		return nil, formatErr("", "", "document is not a mapping")
	}

	fields, err := mappingFields(n)
	if err != nil {
		var dup *duplicateKeyError
		if errors.As(err, &dup) {
			return nil, formatErr("", dup.key, "duplicate key")
		}
		return nil, formatErr("", "", "%v", err)
	}

	idNode, ok := fields[fieldRuleID]
	if !ok {
		return nil, formatErr("", fieldRuleID, "required field is missing")
	}
	ruleID, err := scalarString(idNode)
	if err != nil || ruleID == "" {
		return nil, formatErr("", fieldRuleID, "must be a non-empty string")
	}

	rule := &Rule{
		ID:            ruleID,
		Type:          p.config.DefaultRuleType,
		ConditionType: p.config.DefaultConditionType,
		Active:        true,
	}

	condNode, ok := fields[fieldCondition]
	if !ok {
		return nil, formatErr(ruleID, fieldCondition, "required field is missing")
	}
	if rule.Condition, err = scalarMap(condNode); err != nil {
		return nil, formatErr(ruleID, fieldCondition, "%v", err)
	}

	actionNode, ok := fields[fieldAction]
	if !ok {
		return nil, formatErr(ruleID, fieldAction, "required field is missing")
	}
	if rule.Action, err = scalarMap(actionNode); err != nil {
		return nil, formatErr(ruleID, fieldAction, "%v", err)
	}

	if node, ok := fields[fieldConditionType]; ok {
		s, err := scalarString(node)
		if err != nil {
			return nil, formatErr(ruleID, fieldConditionType, "must be AND or OR")
		}
		ct := ConditionType(strings.ToUpper(s))
		if !ct.Valid() {
			return nil, formatErr(ruleID, fieldConditionType, "must be AND or OR, got %q", s)
		}
		rule.ConditionType = ct
	}

	if node, ok := fields[fieldRuleType]; ok {
		s, err := scalarString(node)
		if err != nil || s == "" {
			return nil, formatErr(ruleID, fieldRuleType, "must be a non-empty string")
		}
		rule.Type = s
	}

	if node, ok := fields[fieldPriority]; ok {
		if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!int" {
			return nil, formatErr(ruleID, fieldPriority, "must be an integer")
		}
		if err := node.Decode(&rule.Priority); err != nil {
			return nil, formatErr(ruleID, fieldPriority, "%v", err)
		}
	}

	if node, ok := fields[fieldActive]; ok {
		if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!bool" {
			return nil, formatErr(ruleID, fieldActive, "must be a boolean")
		}
		if err := node.Decode(&rule.Active); err != nil {
			return nil, formatErr(ruleID, fieldActive, "%v", err)
		}
	}

	if node, ok := fields[fieldDescription]; ok {
		if rule.Description, err = scalarString(node); err != nil {
			return nil, formatErr(ruleID, fieldDescription, "must be a string")
		}
	}

	if node, ok := fields[fieldWhen]; ok {
		expr, err := scalarString(node)
		if err != nil || strings.TrimSpace(expr) == "" {
			return nil, formatErr(ruleID, fieldWhen, "must be a non-empty expression")
		}
		g, err := compileGuard(p.env, expr)
		if err != nil {
			return nil, formatErr(ruleID, fieldWhen, "%v", err)
		}
		rule.When = expr
		rule.guard = g
	}

	return rule, nil
}

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return nil
		}
		return resolve(doc.Content[0])
	}
	if doc.Kind == 0 {
		return nil
	}
	return resolve(doc)
}

func resolve(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

type duplicateKeyError struct {
	key string
}

func (e *duplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %q", e.key)
}

// mappingFields indexes a mapping by key. Merge keys (<<) are expanded;
// merged values fill in only keys the mapping does not set itself, and
// earlier merge sources win over later ones.
func mappingFields(n *yaml.Node) (map[string]*yaml.Node, error) {
	fields := make(map[string]*yaml.Node, len(n.Content)/2)
	var merges []*yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		if key.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("keys must be scalars (line %d)", key.Line)
		}
		if key.ShortTag() == "!!merge" {
			merges = append(merges, resolve(n.Content[i+1]))
			continue
		}
		if _, dup := fields[key.Value]; dup {
			return nil, &duplicateKeyError{key: key.Value}
		}
		fields[key.Value] = resolve(n.Content[i+1])
	}

	for _, m := range merges {
		sources := []*yaml.Node{m}
		if m.Kind == yaml.SequenceNode {
			sources = m.Content
		}
		for _, src := range sources {
			src = resolve(src)
			if src.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("merge value must be a mapping or a list of mappings (line %d)", src.Line)
			}
			inherited, err := mappingFields(src)
			if err != nil {
				return nil, err
			}
			for k, v := range inherited {
				if _, ok := fields[k]; !ok {
					fields[k] = v
				}
			}
		}
	}
	return fields, nil
}

// detach returns a deep copy of n with every alias replaced by its target and
// anchors dropped, so the copy encodes as a standalone document.
func detach(n *yaml.Node) *yaml.Node {
	n = resolve(n)
	out := *n
	out.Anchor = ""
	out.Alias = nil
	if len(n.Content) > 0 {
		out.Content = make([]*yaml.Node, len(n.Content))
		for i, c := range n.Content {
			out.Content[i] = detach(c)
		}
	}
	return &out
}

func scalarString(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode || n.ShortTag() == "!!null" {
		return "", fmt.Errorf("not a scalar")
	}
	return strings.TrimSpace(n.Value), nil
}

func scalarMap(n *yaml.Node) (Values, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("must be a mapping")
	}
	if len(n.Content) == 0 {
		return nil, fmt.Errorf("must not be empty")
	}
	fields, err := mappingFields(n)
	if err != nil {
		return nil, err
	}
	out := make(Values, len(fields))
	for key, node := range fields {
		if key == "" {
			return nil, fmt.Errorf("keys must be non-empty scalars")
		}
		v, err := scalarValue(node)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func scalarValue(n *yaml.Node) (Value, error) {
	if n.Kind != yaml.ScalarNode {
		return Value{}, fmt.Errorf("value must be a scalar")
	}
	switch n.ShortTag() {
	case "!!null":
		return NullValue(), nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return Value{}, err
		}
		return IntValue(i), nil
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return Value{}, err
		}
		return FloatValue(f), nil
	default:
		return StringValue(n.Value), nil
	}
}

func encodeNode(n *yaml.Node) string {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(n); err != nil {
		return ""
	}
	_ = enc.Close()
	return buf.String()
}
