// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package redact scrubs credential material from strings before they reach
// logs. The retrieval adapters echo provider error bodies in warnings;
// those bodies occasionally quote the request's Authorization header back,
// so every logged body passes through here first.
package redact

import "regexp"

// pattern pairs a compiled regex with a labeled replacement, so the log
// reader knows what class of secret was removed without seeing its value.
type pattern struct {
	re          *regexp.Regexp
	replacement string
}

// patterns is ordered most-specific-first: a provider-prefixed key must be
// claimed by its own pattern before the generic sk- pattern can shorten it.
var patterns = []pattern{
	// Jina API key: jina_<base62>
	{regexp.MustCompile(`jina_[A-Za-z0-9_-]{20,}`), "[REDACTED:jina_key]"},
	// OpenAI and DashScope API keys both use the sk- prefix. 20+ chars so
	// placeholders like "sk-test" survive.
	{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), "[REDACTED:api_key]"},
	// Bearer token in echoed Authorization headers.
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{10,}`), "[REDACTED:bearer_token]"},
	// Key material in query strings or form bodies.
	{regexp.MustCompile(`(api_key|api-key|key)=[A-Za-z0-9._-]{10,}`), "${1}=[REDACTED]"},
	// Passwords in connection strings and echoed configuration.
	{regexp.MustCompile(`password=[^\s&"]{3,}`), "password=[REDACTED]"},
}

// Secrets replaces every recognized secret in s with a labeled placeholder.
// Strings without secrets come back unchanged. Detection is pattern-based:
// a credential in an unknown format passes through, so this is a log
// hygiene layer, not a security boundary.
//
// Thread Safety: Safe for concurrent use.
func Secrets(s string) string {
	if s == "" {
		return s
	}
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}
