// Package template resolves stored or inline message content and renders it
// with per-recipient variables using the Liquid template language.
//
// Placeholders take the form {{ name }} or {{ dotted.path }}. Validation
// reports any placeholder whose value is absent or null so the caller can
// reject the message before it is queued.
package template
