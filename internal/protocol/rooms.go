package protocol

// Room names. Every connection is a member of its user room and of its own
// connection room; conversation rooms are joined explicitly.
func UserRoom(userID string) string                 { return "user:" + userID }
func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }
func ConnectionRoom(connectionID string) string     { return "conn:" + connectionID }
