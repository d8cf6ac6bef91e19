package template

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the template service layer.
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrMissingVariables = errors.New("missing template variables")
	ErrNoContent        = errors.New("template has no content")
)

// MissingVariablesError lists placeholders without a value.
type MissingVariablesError struct {
	Keys []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingVariables, strings.Join(e.Keys, ", "))
}

func (e *MissingVariablesError) Unwrap() error { return ErrMissingVariables }
