package usecase

import (
	"fmt"
	"strings"

	"reengagement-agent/internal/domain"
)

func buildPersonaMessages(profile domain.AvatarProfile, history []domain.Message, content string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPersonaPrompt(profile)},
	}

	for _, m := range history {
		if msg, ok := historyToPromptMessage(m); ok {
			messages = append(messages, msg)
		}
	}

	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: content,
	})
	return messages
}

func buildPersonaPrompt(profile domain.AvatarProfile) string {
	lines := []string{
		fmt.Sprintf("You are %s, a companion avatar chatting with your user.", profile.Name),
		fmt.Sprintf("Personality: %s.", profile.Personality),
		fmt.Sprintf("Tone: %s.", profile.Tone),
	}
	if profile.Category != "" {
		lines = append(lines, fmt.Sprintf("Theme: %s.", profile.Category))
	}
	lines = append(lines,
		"",
		"Behavior Rules:",
		"1) Stay in character at all times; never mention being an AI or a persona.",
		"2) Speak in first person, directly to the user.",
		"3) Keep replies short and conversational, matching your tone.",
		"4) Use the prior conversation turns in this request for continuity.",
	)
	return strings.Join(lines, "\n")
}

func historyToPromptMessage(m domain.Message) (domain.ChatMessage, bool) {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return domain.ChatMessage{}, false
	}
	role := "assistant"
	if m.IsUser {
		role = "user"
	}
	return domain.ChatMessage{Role: role, Content: content}, true
}
