package model

// SessionEntry is the metadata kept per session key. UpdatedAt is in
// unix milliseconds and is bumped on every mutation.
type SessionEntry struct {
	SessionID    string `json:"sessionId"`
	UpdatedAt    int64  `json:"updatedAt"`
	Label        string `json:"label,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	Channel      string `json:"channel,omitempty"`
	Account      string `json:"account,omitempty"`
	Model        string `json:"model,omitempty"`
	ThinkLevel   string `json:"thinkingLevel,omitempty"`
	SendPolicy   string `json:"sendPolicy,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

// SessionPatch is applied by sessions.patch. Nil fields are unchanged;
// a pointer to "" clears the field.
type SessionPatch struct {
	Label       *string `json:"label,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
	Channel     *string `json:"channel,omitempty"`
	Account     *string `json:"account,omitempty"`
	Model       *string `json:"model,omitempty"`
	ThinkLevel  *string `json:"thinkingLevel,omitempty"`
	SendPolicy  *string `json:"sendPolicy,omitempty"`
}

// SessionRow is a session entry with its key, as returned by listings.
type SessionRow struct {
	Key string `json:"key"`
	SessionEntry
	Bytes int64 `json:"bytes"`
}
