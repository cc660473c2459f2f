package store

import "time"

// ThreadRoute.Origin values.
const (
	OriginAuto   = "auto"
	OriginManual = "manual"
)

// ThreadRoute binds one Discord thread to one assistant session. A route
// created from a working directory before any session id is known keeps
// an empty ProviderSessionID until a session claims it. MappingKey is the
// stable routing handle: provider:sessionId once a session is bound,
// discord:thread:<id> for chat-initiated routes still waiting for one.
type ThreadRoute struct {
	ThreadID          string    `json:"threadId"`
	ChannelID         string    `json:"parentChannelId,omitempty"`
	GuildID           string    `json:"guildId,omitempty"`
	MappingKey        string    `json:"mappingKey,omitempty"`
	Provider          string    `json:"provider"`
	ProviderSessionID string    `json:"providerSessionId"`
	OwnerUserID       string    `json:"ownerUserId,omitempty"`
	Cwd               string    `json:"cwd,omitempty"`
	Origin            string    `json:"origin,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// SessionMappingKey returns the canonical mapping key for a bound session.
func SessionMappingKey(provider, sessionID string) string {
	return provider + ":" + sessionID
}

// ThreadMappingKey returns the interim mapping key for a chat-initiated
// route that has no session id yet.
func ThreadMappingKey(threadID string) string {
	return "discord:thread:" + threadID
}

// RouteStore persists thread routes. The database is authoritative;
// auto-threads.json mirrors it for inspection and merge-import.
// Lookups return nil without error when nothing matches.
type RouteStore interface {
	Upsert(route ThreadRoute) error
	ByThread(threadID string) (*ThreadRoute, error)
	BySession(provider, sessionID string) (*ThreadRoute, error)
	UnclaimedByCwd(provider, cwd string) (*ThreadRoute, error)
	Claim(threadID, providerSessionID string) error
	List() ([]ThreadRoute, error)
	Delete(threadID string) error
	Close() error
}
