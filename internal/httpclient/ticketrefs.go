// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"encoding/json"

	"github.com/itchyny/gojq"
)

// TicketRefs holds whatever ticket-shaped identifiers were found in an
// outbound call's JSON response body.
type TicketRefs struct {
	ID  string
	URL string
}

// ticketIDQueries and ticketURLQueries are tried in order against the
// decoded response body; the first query to yield a non-empty string
// wins. Covers the field names Jira, Linear, and a generic webhook
// receiver tend to return a created-ticket identifier under.
var (
	ticketIDQueries  = mustCompileAll(".id", ".key", ".ticket.id", ".ticket.key", ".issue.id", ".issue.key")
	ticketURLQueries = mustCompileAll(".url", ".html_url", ".ticket.url", ".issue.url", ".self")
)

func mustCompileAll(exprs ...string) []*gojq.Query {
	queries := make([]*gojq.Query, 0, len(exprs))
	for _, expr := range exprs {
		q, err := gojq.Parse(expr)
		if err != nil {
			// These are fixed literals authored here, never user input.
			panic("httpclient: invalid built-in jq query " + expr + ": " + err.Error())
		}
		queries = append(queries, q)
	}
	return queries
}

// ExtractTicketRefs best-effort parses body as JSON and pulls a ticket
// id/url out of it using a handful of jq queries covering common
// shapes. Returns a zero TicketRefs, no error, when the body isn't
// JSON or none of the queries match anything — extraction is advisory
// and must never fail an otherwise-successful call.
func ExtractTicketRefs(body []byte) TicketRefs {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return TicketRefs{}
	}

	return TicketRefs{
		ID:  firstStringMatch(decoded, ticketIDQueries),
		URL: firstStringMatch(decoded, ticketURLQueries),
	}
}

func firstStringMatch(decoded any, queries []*gojq.Query) string {
	for _, q := range queries {
		iter := q.Run(decoded)
		v, ok := iter.Next()
		if !ok {
			continue
		}
		if _, isErr := v.(error); isErr {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
