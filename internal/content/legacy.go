package content

import "strings"

// MessageInput accepts both the current message shape and the older one that
// used sender and prompt.
type MessageInput struct {
	SenderName *string `json:"sender_name"`
	Sender     *string `json:"sender"`
	Content    *string `json:"content"`
	IsPrompt   *bool   `json:"is_prompt"`
	Prompt     *string `json:"prompt"`
}

type NormalizedMessage struct {
	SenderName string
	Content    string
	IsPrompt   bool
}

func (in MessageInput) Normalize() NormalizedMessage {
	sender := firstNonNil(in.SenderName, in.Sender, "Unknown")
	text := firstNonNil(in.Content, in.Prompt, "")
	isPrompt := sender == LibrarySender || (in.Prompt != nil && *in.Prompt != "")
	if in.IsPrompt != nil {
		isPrompt = *in.IsPrompt
	}
	return NormalizedMessage{
		SenderName: strings.TrimSpace(sender),
		Content:    strings.TrimSpace(text),
		IsPrompt:   isPrompt,
	}
}

// CapsuleInput accepts both the current capsule shape and the older one that
// used author, message and sealed.
type CapsuleInput struct {
	AuthorName  *string `json:"author_name"`
	Author      *string `json:"author"`
	Content     *string `json:"content"`
	Message     *string `json:"message"`
	CapsuleType *string `json:"capsule_type"`
	Unlocked    *bool   `json:"unlocked"`
	Sealed      *bool   `json:"sealed"`
}

type NormalizedCapsule struct {
	AuthorName  string
	Content     string
	CapsuleType string
	Unlocked    bool
}

// DefaultCapsuleType is assumed for rows that predate capsule types.
const DefaultCapsuleType = "love-letter"

func (in CapsuleInput) Normalize() NormalizedCapsule {
	unlocked := false
	switch {
	case in.Unlocked != nil:
		unlocked = *in.Unlocked
	case in.Sealed != nil:
		unlocked = !*in.Sealed
	}
	return NormalizedCapsule{
		AuthorName:  strings.TrimSpace(firstNonNil(in.AuthorName, in.Author, "Unknown")),
		Content:     strings.TrimSpace(firstNonNil(in.Content, in.Message, "")),
		CapsuleType: strings.TrimSpace(firstNonNil(in.CapsuleType, nil, DefaultCapsuleType)),
		Unlocked:    unlocked,
	}
}

func firstNonNil(primary, legacy *string, fallback string) string {
	if primary != nil {
		return *primary
	}
	if legacy != nil {
		return *legacy
	}
	return fallback
}
