package models_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/arqam66/chatbot-openai/internal/models"
)

func TestValidateHistory(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		wantErr  bool
	}{
		{
			name:    "Empty history",
			wantErr: true,
		},
		{
			name: "Single user message",
			messages: []models.Message{
				{Role: models.RoleUser, Content: "Hello"},
			},
		},
		{
			name: "Conversation with system and assistant",
			messages: []models.Message{
				{Role: models.RoleSystem, Content: "Be brief"},
				{Role: models.RoleUser, Content: "Hello"},
				{Role: models.RoleAssistant, Content: ""},
				{Role: models.RoleUser, Content: "Again"},
			},
		},
		{
			name: "Unknown role",
			messages: []models.Message{
				{Role: "tool", Content: "{}"},
			},
			wantErr: true,
		},
		{
			name: "Blank user content",
			messages: []models.Message{
				{Role: models.RoleUser, Content: "Hello"},
				{Role: models.RoleUser, Content: "  \n"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := models.ValidateHistory(tt.messages)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHistory() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRenderContent(t *testing.T) {
	tests := []struct {
		name    string
		msg     models.Message
		want    []string
		notWant []string
	}{
		{
			name:    "User content is literal",
			msg:     models.Message{Role: models.RoleUser, Content: "**bold** <script>"},
			want:    []string{"<pre>", "**bold** &lt;script&gt;"},
			notWant: []string{"<strong>", "<script>"},
		},
		{
			name: "Assistant content is markdown",
			msg:  models.Message{Role: models.RoleAssistant, Content: "**bold**\n\n- item"},
			want: []string{"<strong>bold</strong>", "<li>item</li>"},
		},
		{
			name:    "Assistant raw html is dropped",
			msg:     models.Message{Role: models.RoleAssistant, Content: "<script>alert(1)</script>"},
			notWant: []string{"<script>"},
		},
		{
			name: "Assistant code block",
			msg:  models.Message{Role: models.RoleAssistant, Content: "```go\nfunc main() {}\n```"},
			want: []string{"<pre", "main"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := models.RenderContent(tt.msg)
			if err != nil {
				t.Fatalf("RenderContent() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("RenderContent() = %q, want to contain %q", got, w)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(got, nw) {
					t.Errorf("RenderContent() = %q, want not to contain %q", got, nw)
				}
			}
		})
	}
}

func TestMessageJSON(t *testing.T) {
	tests := []struct {
		name string
		msg  models.Message
		want string
	}{
		{
			name: "Without timestamp",
			msg:  models.Message{ID: "1", Role: models.RoleUser, Content: "Hi"},
			want: `{"id":"1","role":"user","content":"Hi"}`,
		},
		{
			name: "With timestamp",
			msg: models.Message{
				ID:        "2",
				Role:      models.RoleAssistant,
				Content:   "Hello",
				Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
			},
			want: `{"id":"2","role":"assistant","content":"Hello","createdAt":"2025-01-02T03:04:05Z"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}

			var back models.Message
			if err := json.Unmarshal(got, &back); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !back.Timestamp.Equal(tt.msg.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", back.Timestamp, tt.msg.Timestamp)
			}
		})
	}
}
