package template

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/ignite/delivery-engine/internal/domain"
)

type mockRepo struct {
	templates map[string]*domain.Template
	calls     int
}

func (m *mockRepo) GetTemplate(_ context.Context, id string) (*domain.Template, error) {
	m.calls++
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

func newRepo() *mockRepo {
	return &mockRepo{templates: map[string]*domain.Template{
		"welcome": {
			ID:      "welcome",
			Subject: "Welcome {{ first_name }}",
			HTML:    "<p>Hi {{ first_name }} from {{ company.name }}</p>",
			Text:    "Hi {{ first_name | upcase }}",
		},
	}}
}

func TestResolve_StoredTemplate(t *testing.T) {
	svc := NewService(newRepo())

	c, err := svc.Resolve(context.Background(), Source{TemplateID: "welcome"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.TemplateID != "welcome" || c.Subject != "Welcome {{ first_name }}" {
		t.Errorf("unexpected content: %+v", c)
	}
}

func TestResolve_MissingTemplate(t *testing.T) {
	svc := NewService(newRepo())

	_, err := svc.Resolve(context.Background(), Source{TemplateID: "nope"})
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestResolve_Inline(t *testing.T) {
	svc := NewService(nil)

	c, err := svc.Resolve(context.Background(), Source{Subject: "Hi", Text: "body"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.TemplateID != "" || c.Subject != "Hi" || c.Text != "body" {
		t.Errorf("unexpected content: %+v", c)
	}

	if _, err := svc.Resolve(context.Background(), Source{}); !errors.Is(err, ErrNoContent) {
		t.Errorf("expected ErrNoContent, got %v", err)
	}
}

func TestValidateVariables(t *testing.T) {
	svc := NewService(nil)
	c := &Content{
		Subject: "Hello {{ first_name }}",
		HTML:    "{{ company.name }} {{ company.city }} {{ coupon | default: 'none' }} {{ first_name }}",
		Text:    "{% if vip %}VIP{% endif %} {{ empty_val }}",
	}

	tests := []struct {
		name string
		vars map[string]interface{}
		want []string
	}{
		{
			name: "all present",
			vars: map[string]interface{}{
				"first_name": "Ann",
				"company":    map[string]interface{}{"name": "Acme", "city": "Oslo"},
				"coupon":     "X1",
				"empty_val":  "",
			},
			want: nil,
		},
		{
			name: "missing and null",
			vars: map[string]interface{}{
				"first_name": nil,
				"company":    map[string]interface{}{"name": "Acme"},
				"empty_val":  "",
			},
			want: []string{"first_name", "company.city", "coupon"},
		},
		{
			name: "nil vars",
			vars: nil,
			want: []string{"first_name", "company.name", "company.city", "coupon", "empty_val"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.ValidateVariables(c, tt.vars)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ValidateVariables() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRender_SubstitutesAndBlanksMissing(t *testing.T) {
	svc := NewService(nil)
	c := &Content{Subject: "Hi {{ name }}!", Text: "Code: {{ code }}."}

	out, err := svc.Render(c, map[string]interface{}{"name": "Ann"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.Subject != "Hi Ann!" {
		t.Errorf("subject = %q", out.Subject)
	}
	if out.Text != "Code: ." {
		t.Errorf("text = %q", out.Text)
	}
	if out.HTML != "" {
		t.Errorf("html = %q", out.HTML)
	}
}

func TestRender_StoredTemplateUsesCache(t *testing.T) {
	repo := newRepo()
	svc := NewService(repo)
	ctx := context.Background()

	c, err := svc.Resolve(ctx, Source{TemplateID: "welcome"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	vars := map[string]interface{}{"first_name": "bo", "company": map[string]interface{}{"name": "Acme"}}

	for i := 0; i < 2; i++ {
		out, err := svc.Render(c, vars)
		if err != nil {
			t.Fatalf("Render #%d: %v", i, err)
		}
		if out.Subject != "Welcome bo" || out.HTML != "<p>Hi bo from Acme</p>" || out.Text != "Hi BO" {
			t.Errorf("unexpected render: %+v", out)
		}
	}
	if _, ok := svc.cache.Load("welcome:subject"); !ok {
		t.Error("expected parsed subject to be cached")
	}

	svc.Invalidate("welcome")
	if _, ok := svc.cache.Load("welcome:subject"); ok {
		t.Error("expected cache entry to be dropped")
	}
}

func TestRender_ParseError(t *testing.T) {
	svc := NewService(nil)
	_, err := svc.Render(&Content{Subject: "{% if x %}open"}, nil)
	if err == nil {
		t.Error("expected parse error")
	}
}

func TestCheck(t *testing.T) {
	svc := NewService(nil)
	if err := svc.Check(&domain.Template{Subject: "Hi {{ name }}", HTML: "{% if vip %}VIP{% endif %}"}); err != nil {
		t.Errorf("Check() error = %v", err)
	}
	if err := svc.Check(&domain.Template{Text: "{% if x %}open"}); err == nil {
		t.Error("expected parse error for unclosed tag")
	}
}

func TestMissingVariablesError(t *testing.T) {
	err := &MissingVariablesError{Keys: []string{"a", "b.c"}}
	if !errors.Is(err, ErrMissingVariables) {
		t.Error("expected errors.Is ErrMissingVariables")
	}
	if err.Error() != "missing template variables: a, b.c" {
		t.Errorf("Error() = %q", err.Error())
	}
}
