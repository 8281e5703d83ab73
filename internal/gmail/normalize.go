// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gmail

import (
	"regexp"
	"strings"

	"github.com/mailsweep/mailsweep/internal/message"

	gmail_api "google.golang.org/api/gmail/v1"
)

// categoryPrefix is the namespace GMail uses for its tab categories
// (CATEGORY_PROMOTIONS, CATEGORY_SOCIAL, ...).
const categoryPrefix = "CATEGORY_"

// fallbackCategories are checked, in order, only when no namespaced
// category label was found.
var fallbackCategories = []string{"SENT", "SPAM", "TRASH"}

// senderRe tolerates `"Name" <addr>`, `Name <addr>` and `<addr>`
// forms.  Bare addresses are handled separately.
var senderRe = regexp.MustCompile(`^\s*"?([^"<]*?)"?\s*<([^<>\s]+@[^<>\s]+)>\s*$`)

// bareAddrRe matches a From header that is just an address.
var bareAddrRe = regexp.MustCompile(`^\s*([^<>\s]+@[^<>\s]+)\s*$`)

// uriRe extracts the bracketed URIs of a List-Unsubscribe header.
var uriRe = regexp.MustCompile(`<([^<>]+)>`)

// Normalize converts one raw provider message into the engine's
// canonical record shape.  Returns nil when the message carries no
// ID; such messages are rejected, never stored.
func Normalize(msg *gmail_api.Message) *message.Record {
	if msg == nil || msg.Id == "" {
		return nil
	}

	headers := headerMap(msg.Payload)

	rec := &message.Record{
		PermID:         msg.Id,
		ThreadID:       msg.ThreadId,
		Subject:        headers["subject"],
		Snippet:        msg.Snippet,
		Sender:         parseSender(headers["from"]),
		LabelIDs:       msg.LabelIds,
		Category:       resolveCategory(msg.LabelIds),
		SizeEstimate:   coerceNonNegative(msg.SizeEstimate),
		HasAttachments: hasAttachments(msg.Payload),
		InternalDate:   coerceNonNegative(msg.InternalDate),
		UnsubscribeURL: parseUnsubscribe(headers["list-unsubscribe"]),
	}
	for _, label := range msg.LabelIds {
		switch label {
		case "UNREAD":
			rec.Unread = true
		case "STARRED":
			rec.Starred = true
		case "TRASH":
			rec.Trashed = true
		case "SPAM":
			rec.Spam = true
		case "IMPORTANT":
			rec.Important = true
		}
	}
	return rec
}

// headerMap flattens the payload headers, keyed by lower-cased name.
// Header lookup is case insensitive per RFC 822.
func headerMap(payload *gmail_api.MessagePart) map[string]string {
	headers := make(map[string]string)
	if payload == nil {
		return headers
	}
	for _, h := range payload.Headers {
		name := strings.ToLower(h.Name)
		if _, ok := headers[name]; !ok {
			headers[name] = h.Value
		}
	}
	return headers
}

func parseSender(from string) message.Sender {
	if m := senderRe.FindStringSubmatch(from); m != nil {
		return message.Sender{
			Email: strings.ToLower(m[2]),
			Name:  strings.TrimSpace(m[1]),
		}
	}
	if m := bareAddrRe.FindStringSubmatch(from); m != nil {
		return message.Sender{Email: strings.ToLower(m[1])}
	}
	return message.Sender{Email: message.UnknownSender}
}

// resolveCategory scans for a namespaced category label, first match
// wins; the special-cased system labels act as fallbacks, in fixed
// order, only when no namespaced label was present.
func resolveCategory(labels []string) string {
	for _, label := range labels {
		if strings.HasPrefix(label, categoryPrefix) {
			return label
		}
	}
	for _, fallback := range fallbackCategories {
		for _, label := range labels {
			if label == fallback {
				return fallback
			}
		}
	}
	return ""
}

// hasAttachments walks the MIME part tree looking for any part that
// carries a filename.
func hasAttachments(part *gmail_api.MessagePart) bool {
	if part == nil {
		return false
	}
	if part.Filename != "" {
		return true
	}
	for _, child := range part.Parts {
		if hasAttachments(child) {
			return true
		}
	}
	return false
}

// parseUnsubscribe picks the preferred URI from a List-Unsubscribe
// header, which may carry a comma separated list of bracketed URIs.
// Preference order: https, then http, then mailto.  Returns "" when
// the header is absent or has no bracketed URI.
func parseUnsubscribe(header string) string {
	if header == "" {
		return ""
	}
	var http, mailto string
	for _, m := range uriRe.FindAllStringSubmatch(header, -1) {
		uri := strings.TrimSpace(m[1])
		switch {
		case strings.HasPrefix(uri, "https:"):
			return uri
		case strings.HasPrefix(uri, "http:"):
			if http == "" {
				http = uri
			}
		case strings.HasPrefix(uri, "mailto:"):
			if mailto == "" {
				mailto = uri
			}
		}
	}
	if http != "" {
		return http
	}
	return mailto
}

func coerceNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
