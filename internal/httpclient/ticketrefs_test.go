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

import "testing"

func TestExtractTicketRefs_JiraShape(t *testing.T) {
	body := []byte(`{"id":"10042","key":"OPS-123","self":"https://jira.example.com/rest/api/2/issue/10042"}`)
	refs := ExtractTicketRefs(body)
	if refs.ID != "10042" {
		t.Errorf("expected id 10042, got %q", refs.ID)
	}
	if refs.URL != "https://jira.example.com/rest/api/2/issue/10042" {
		t.Errorf("expected self url, got %q", refs.URL)
	}
}

func TestExtractTicketRefs_NestedTicketShape(t *testing.T) {
	body := []byte(`{"ticket":{"id":"T-9","url":"https://helpdesk.example.com/tickets/9"}}`)
	refs := ExtractTicketRefs(body)
	if refs.ID != "T-9" {
		t.Errorf("expected ticket id T-9, got %q", refs.ID)
	}
	if refs.URL != "https://helpdesk.example.com/tickets/9" {
		t.Errorf("expected ticket url, got %q", refs.URL)
	}
}

func TestExtractTicketRefs_NonJSONBodyYieldsZeroValue(t *testing.T) {
	refs := ExtractTicketRefs([]byte("not json"))
	if refs.ID != "" || refs.URL != "" {
		t.Errorf("expected zero-value refs for non-JSON body, got %+v", refs)
	}
}

func TestExtractTicketRefs_NoMatchingFieldsYieldsZeroValue(t *testing.T) {
	refs := ExtractTicketRefs([]byte(`{"status":"ok"}`))
	if refs.ID != "" || refs.URL != "" {
		t.Errorf("expected zero-value refs, got %+v", refs)
	}
}
