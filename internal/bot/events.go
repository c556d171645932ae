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

package bot

import (
	"encoding/json"
	"fmt"
)

// Event is a decoded OneBot v11 event frame.
type Event struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"` // group, private
	SubType     string          `json:"sub_type"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	SelfID      int64           `json:"self_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Time        int64           `json:"time"`
}

// segment is one element of an array-style OneBot message.
type segment struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

// PlainText extracts the textual content of the event's message field,
// which is either a plain string or an array of segments whose text
// parts are concatenated.
func (e *Event) PlainText() string {
	if len(e.Message) == 0 {
		return e.RawMessage
	}

	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}

	var segments []segment
	if err := json.Unmarshal(e.Message, &segments); err != nil {
		return e.RawMessage
	}
	var text string
	for _, seg := range segments {
		if seg.Type == "text" {
			text += seg.Data.Text
		}
	}
	return text
}

// IsGroup reports whether the event came from a group chat.
func (e *Event) IsGroup() bool {
	return e.MessageType == "group"
}

// Mention renders the platform at-mention for a user, used to prefix
// group replies.
func Mention(uin int64) string {
	return fmt.Sprintf("[CQ:at,qq=%d] ", uin)
}
