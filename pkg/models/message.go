package models

// UserSummary is the subset of a user profile carried on delivered
// messages (sender and reply-target sender fields).
type UserSummary struct {
	ID        string `json:"_id"`
	FullName  string `json:"fullName,omitempty"`
	AvatarURL string `json:"profilePic,omitempty"`
}

// FileRef describes an attachment already uploaded to object storage.
type FileRef struct {
	URL  string `json:"url,omitempty"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// Message is the persisted record for one chat message. ID is assigned only
// when the log consumer persists the message; TempID is the client-generated
// identifier used to reconcile the optimistic copy with the confirmed one.
type Message struct {
	ID        string       `json:"_id,omitempty"`
	TempID    string       `json:"tempId,omitempty"`
	ChannelID string       `json:"channelId"`
	SenderID  string       `json:"senderId,omitempty"`
	Sender    *UserSummary `json:"sender,omitempty"`
	Text      string       `json:"text,omitempty"`
	File      *FileRef     `json:"file,omitempty"`
	ParentID  string       `json:"parentMessage,omitempty"`
	// Parent carries the reply-target summary on history fetches and
	// confirmed envelopes; it is never stored inline.
	Parent   *Message `json:"parentMessageData,omitempty"`
	IsEdited bool     `json:"isEdited,omitempty"`
	IsRead   bool     `json:"isRead,omitempty"`
	// CreatedTS is a unix-nano timestamp.
	CreatedTS int64 `json:"createdAt"`
}

// HasContent reports whether the message carries text or an attachment.
// A message with neither is invalid.
func (m Message) HasContent() bool {
	return m.Text != "" || (m.File != nil && m.File.URL != "")
}
