// Copyright 2026 The OneIDP Authors
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

package http

import "strings"

// dangerousFragments are rejected anywhere in a redirect URI,
// case-insensitive. They cover script-scheme and event-handler
// injection through the authorize redirect.
var dangerousFragments = []string{
	"javascript:",
	"data:",
	"vbscript:",
	"<script",
	"onclick",
	"onerror",
}

// isSafeRedirectURI is the coarse pre-filter applied before the
// client allow-list check. It admits any scheme://... form so custom
// app schemes keep working, but never scriptable content.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}
	if !strings.Contains(uri, "://") {
		return false
	}

	lower := strings.ToLower(uri)
	for _, fragment := range dangerousFragments {
		if strings.Contains(lower, fragment) {
			return false
		}
	}
	return true
}
