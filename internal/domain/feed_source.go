package domain

// FeedSource identifies a chat feed (channel + posting account) that transactions are read from.
type FeedSource struct {
	ID        int    // id_source stored with every transaction
	Name      string // display name, e.g. "KSPR Bot"
	ChannelID int64
	SenderID  int64
}
