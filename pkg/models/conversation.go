package models

import "time"

// DefaultMaxChainDepth is the fallback limit when neither the conversation
// nor the process configuration sets one.
const DefaultMaxChainDepth = 10

// MaxChainDepthCeiling bounds what the settings endpoint accepts.
const MaxChainDepthCeiling = 100

// Conversation holds the per-conversation chain settings. Fields are pointers
// because a missing value means "use the default", not zero/false.
type Conversation struct {
	ConversationID string     `json:"conversation_id" bson:"conversation_id"`
	MaxChainDepth  *int       `json:"max_chain_depth,omitempty" bson:"max_chain_depth,omitempty"`
	AutoDelegate   *bool      `json:"auto_delegate,omitempty" bson:"auto_delegate,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// ConversationSettings is the resolved, defaulted view the governor acts on.
type ConversationSettings struct {
	MaxChainDepth int  `json:"max_chain_depth"`
	AutoDelegate  bool `json:"auto_delegate"`
}

// Resolve applies defaults: a missing or non-positive depth uses defaultDepth,
// a missing auto_delegate means true.
func (c *Conversation) Resolve(defaultDepth int) ConversationSettings {
	if defaultDepth <= 0 {
		defaultDepth = DefaultMaxChainDepth
	}
	s := ConversationSettings{MaxChainDepth: defaultDepth, AutoDelegate: true}
	if c == nil {
		return s
	}
	if c.MaxChainDepth != nil && *c.MaxChainDepth > 0 {
		s.MaxChainDepth = *c.MaxChainDepth
	}
	if c.AutoDelegate != nil {
		s.AutoDelegate = *c.AutoDelegate
	}
	return s
}

// SettingsUpdate is a partial update. Nil fields are left unchanged;
// MaxChainDepth == 0 clears the override so the global default applies again.
type SettingsUpdate struct {
	MaxChainDepth *int  `json:"max_chain_depth"`
	AutoDelegate  *bool `json:"auto_delegate"`
}

// AgentInstance is an agent embodied in a conversation. The set of distinct
// AgentIDs per conversation is the conversation's squad.
type AgentInstance struct {
	InstanceID     string    `json:"instance_id" bson:"instance_id"`
	AgentID        string    `json:"agent_id" bson:"agent_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// Screenplay is the shared project-context document attached to a conversation.
type Screenplay struct {
	ID               string    `json:"id" bson:"_id"`
	Title            string    `json:"title" bson:"title"`
	Content          string    `json:"content" bson:"content"`
	WorkingDirectory string    `json:"working_directory" bson:"working_directory"`
	IsDeleted        bool      `json:"is_deleted" bson:"isDeleted"`
	CreatedAt        time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" bson:"updated_at"`
}
