package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/delivery-engine/internal/domain"
)

// placeholderPattern matches {{ var }}, {{ var | filter }} and {{ var.nested }}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*?)(?:\s*\||\s*\}\})`)

// Source is the content a caller supplies: either a stored template id or
// inline subject/html/text.
type Source struct {
	TemplateID string
	Subject    string
	HTML       string
	Text       string
}

// Content is a resolved subject/html/text triple.
type Content struct {
	TemplateID string `json:"template_id,omitempty"`
	Subject    string `json:"subject"`
	HTML       string `json:"html,omitempty"`
	Text       string `json:"text,omitempty"`
}

// Service resolves and renders message content. It is safe for concurrent use.
type Service struct {
	repo   Repository
	engine *liquid.Engine
	cache  sync.Map // cache key -> *liquid.Template
}

// NewService creates a template service. repo may be nil when only inline
// content is used.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, engine: liquid.NewEngine()}
}

// Resolve loads the named template when src.TemplateID is set, otherwise it
// returns the inline content.
func (s *Service) Resolve(ctx context.Context, src Source) (*Content, error) {
	if src.TemplateID == "" {
		if src.Subject == "" && src.HTML == "" && src.Text == "" {
			return nil, ErrNoContent
		}
		return &Content{Subject: src.Subject, HTML: src.HTML, Text: src.Text}, nil
	}
	if s.repo == nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, src.TemplateID)
	}

	tpl, err := s.repo.GetTemplate(ctx, src.TemplateID)
	if errors.Is(err, ErrTemplateNotFound) || (err == nil && tpl == nil) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, src.TemplateID)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", src.TemplateID, err)
	}
	return &Content{TemplateID: tpl.ID, Subject: tpl.Subject, HTML: tpl.HTML, Text: tpl.Text}, nil
}

// ValidateVariables returns every placeholder in c whose value is absent or
// null in vars, in order of first appearance.
func (s *Service) ValidateVariables(c *Content, vars map[string]interface{}) []string {
	var missing []string
	seen := make(map[string]bool)

	for _, part := range []string{c.Subject, c.HTML, c.Text} {
		for _, match := range placeholderPattern.FindAllStringSubmatch(part, -1) {
			name := strings.TrimSpace(match[1])
			if seen[name] {
				continue
			}
			seen[name] = true

			if isLiquidKeyword(strings.SplitN(name, ".", 2)[0]) {
				continue
			}
			if !variableExists(name, vars) {
				missing = append(missing, name)
			}
		}
	}
	return missing
}

// Render substitutes vars into every part of c. Placeholders without a value
// render as the empty string.
func (s *Service) Render(c *Content, vars map[string]interface{}) (*Content, error) {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	out := &Content{TemplateID: c.TemplateID}
	targets := []struct {
		name string
		src  string
		dst  *string
	}{
		{"subject", c.Subject, &out.Subject},
		{"html", c.HTML, &out.HTML},
		{"text", c.Text, &out.Text},
	}
	for _, t := range targets {
		if t.src == "" {
			continue
		}
		rendered, err := s.renderPart(c.TemplateID, t.name, t.src, vars)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", t.name, err)
		}
		*t.dst = rendered
	}
	return out, nil
}

// renderPart parses once per stored template part; inline content is parsed
// on every call.
func (s *Service) renderPart(templateID, part, src string, vars map[string]interface{}) (string, error) {
	if templateID == "" {
		return s.engine.ParseAndRenderString(src, vars)
	}

	key := templateID + ":" + part
	if cached, ok := s.cache.Load(key); ok {
		if tpl := cached.(*liquid.Template); tpl != nil {
			return tpl.RenderString(vars)
		}
	}
	tpl, err := s.engine.ParseString(src)
	if err != nil {
		return "", err
	}
	s.cache.Store(key, tpl)
	return tpl.RenderString(vars)
}

// Check parses every part of tpl without rendering it.
func (s *Service) Check(tpl *domain.Template) error {
	for _, part := range []struct{ name, src string }{
		{"subject", tpl.Subject}, {"html", tpl.HTML}, {"text", tpl.Text},
	} {
		if part.src == "" {
			continue
		}
		if _, err := s.engine.ParseString(part.src); err != nil {
			return fmt.Errorf("parse %s: %w", part.name, err)
		}
	}
	return nil
}

// Invalidate drops cached parses for a stored template.
func (s *Service) Invalidate(templateID string) {
	for _, part := range []string{"subject", "html", "text"} {
		s.cache.Delete(templateID + ":" + part)
	}
}

// variableExists walks a dotted path through nested maps. A nil leaf counts
// as missing.
func variableExists(path string, vars map[string]interface{}) bool {
	var current interface{} = vars
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			val, ok := v[part]
			if !ok {
				return false
			}
			current = val
		case map[string]string:
			val, ok := v[part]
			if !ok {
				return false
			}
			current = val
		default:
			return false
		}
	}
	return current != nil
}

func isLiquidKeyword(name string) bool {
	switch strings.ToLower(name) {
	case "forloop", "tablerowloop", "true", "false", "nil", "null", "blank", "empty":
		return true
	}
	return false
}
