package store

import "time"

// Table names owned by the row store.
const (
	TableChannels       = "channels"
	TableMembers        = "members"
	TableMessages       = "messages"
	TableDailySummaries = "daily_summaries"
	TableSystemLogs     = "system_logs"
	TableAssets         = "assets"
	TableAssetMedia     = "asset_media"
)

// Buckets owned by the object store.
const (
	BucketWorkflows    = "workflows"
	BucketVideos       = "videos"
	BucketSummaryMedia = "summary-media"
)

// Consent is the tri-state member preference: unset, granted, or denied.
// The zero value is unset.
type Consent int

const (
	ConsentUnset Consent = iota
	ConsentGranted
	ConsentDenied
)

// Channel is a Discord channel observation. Inserted on first sight,
// mutated by enrichment or the curator, never destroyed.
type Channel struct {
	ChannelID       string `json:"channel_id"`
	Name            string `json:"name"`
	CategoryID      string `json:"category_id,omitempty"`
	NSFW            bool   `json:"nsfw"`
	Description     string `json:"description,omitempty"`
	SuitablePosts   string `json:"suitable_posts,omitempty"`
	UnsuitablePosts string `json:"unsuitable_posts,omitempty"`
	Rules           string `json:"rules,omitempty"`
	SetupComplete   bool   `json:"setup_complete"`
	Enriched        bool   `json:"enriched"`
	SummaryThreadID string `json:"summary_thread_id,omitempty"`
}

// Member is upserted on every observation. Preference fields are mutated
// only by the member through DM interactions.
type Member struct {
	MemberID          string     `json:"member_id"`
	Username          string     `json:"username"`
	GlobalName        string     `json:"global_name,omitempty"`
	ServerNick        string     `json:"server_nick,omitempty"`
	AvatarURL         string     `json:"avatar_url,omitempty"`
	DiscordCreatedAt  time.Time  `json:"discord_created_at"`
	GuildJoinDate     *time.Time `json:"guild_join_date,omitempty"`
	RoleIDs           []string   `json:"role_ids"`
	SharingConsent    Consent    `json:"sharing_consent"`
	DMPreference      bool       `json:"dm_preference"`
	PermissionCurate  Consent    `json:"permission_to_curate"`
	Notifications     []string   `json:"notifications"`
	TwitterHandle     string     `json:"twitter_handle,omitempty"`
	InstagramHandle   string     `json:"instagram_handle,omitempty"`
	TikTokHandle      string     `json:"tiktok_handle,omitempty"`
	YouTubeHandle     string     `json:"youtube_handle,omitempty"`
	WebsiteURL        string     `json:"website_url,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DisplayName returns the best human-readable name for a member.
func (m *Member) DisplayName() string {
	if m.ServerNick != "" {
		return m.ServerNick
	}
	if m.GlobalName != "" {
		return m.GlobalName
	}
	return m.Username
}

// Attachment is embedded in a Message row. URLs are ephemeral CDN tokens.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url"`
	Size        int    `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Embed is the subset of Discord embed data the pipeline keeps.
type Embed struct {
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
}

// Message is never hard-deleted; deletions tombstone via IsDeleted.
// Invariants: len(Reactors) <= ReactionCount; the bot id never appears
// in Reactors; IsDeleted is monotonic.
type Message struct {
	MessageID     string       `json:"message_id"`
	ChannelID     string       `json:"channel_id"`
	AuthorID      string       `json:"author_id"`
	Content       string       `json:"content"`
	CreatedAt     time.Time    `json:"created_at"`
	EditedAt      *time.Time   `json:"edited_at,omitempty"`
	Attachments   []Attachment `json:"attachments"`
	Embeds        []Embed      `json:"embeds"`
	ReactionCount int          `json:"reaction_count"`
	Reactors      []string     `json:"reactors"`
	ReferenceID   string       `json:"reference_id,omitempty"`
	ThreadID      string       `json:"thread_id,omitempty"`
	IsPinned      bool         `json:"is_pinned"`
	IsDeleted     bool         `json:"is_deleted"`
	JumpURL       string       `json:"jump_url"`
	IndexedAt     time.Time    `json:"indexed_at"`
}

// HasReactor reports whether userID is already in the reactor set.
func (m *Message) HasReactor(userID string) bool {
	for _, r := range m.Reactors {
		if r == userID {
			return true
		}
	}
	return false
}

// Summary status values.
const (
	SummaryPending   = "pending"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

// DailySummary is keyed by (date, channel_id). At most one completed row
// may exist per key.
type DailySummary struct {
	Date         string `json:"date"` // YYYY-MM-DD
	ChannelID    string `json:"channel_id"`
	FullSummary  string `json:"full_summary,omitempty"`
	ShortSummary string `json:"short_summary,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// SystemLog is an append-only log row written by the logstore handler.
type SystemLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	LoggerName string    `json:"logger_name,omitempty"`
	Message    string    `json:"message"`
	Module     string    `json:"module,omitempty"`
	Function   string    `json:"function,omitempty"`
	Line       int       `json:"line,omitempty"`
	Exception  string    `json:"exception,omitempty"`
	Extra      string    `json:"extra,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
}

// Asset is a curated workflow upload.
type Asset struct {
	AssetID     string    `json:"asset_id"`
	AuthorID    string    `json:"author_id"`
	MessageID   string    `json:"message_id"`
	WorkflowURL string    `json:"workflow_url"`
	Model       string    `json:"model,omitempty"`
	Variant     string    `json:"variant,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AssetMedia joins an asset to its re-hosted media files.
type AssetMedia struct {
	AssetID     string `json:"asset_id"`
	MediaURL    string `json:"media_url"`
	ContentType string `json:"content_type,omitempty"`
	SourceID    string `json:"source_message_id,omitempty"`
}
