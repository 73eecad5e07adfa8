// Package model holds the core entity types shared across Conductor's
// components. Types here are persistence-agnostic; internal/store maps
// them to and from Postgres rows.
package model

import "time"

// Bot is a secondary bot registered by an admin. The manager bot has no
// Bot row; its webhook updates are enqueued with bot id 0.
type Bot struct {
	ID              int64
	OwnerAdminID    int64
	EncryptedToken  []byte
	Username        string
	WebhookSecret   string
	IsActive        bool
	AssociatedOffer *int64
	CreatedAt       time.Time
}

// User is a Telegram end-user scoped to a single bot.
type User struct {
	ID               int64
	BotID            int64
	TelegramUserID   int64
	FirstInteraction time.Time
	LastInteraction  time.Time
}

// Role identifies the speaker of a session history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// HistoryTurn is one entry in a session's bounded conversation history.
type HistoryTurn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text,omitempty"`
	MediaRef  string    `json:"media_ref,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// ActionStatus tracks per-session usage state for track-usage actions.
type ActionStatus string

const (
	ActionInactive  ActionStatus = "inactive"
	ActionActivated ActionStatus = "activated"
)

// Session is the per (bot, user) conversation state.
type Session struct {
	BotID             int64
	UserTelegramID    int64
	CurrentPhaseID    int64
	History           []HistoryTurn
	LastActiveAt      time.Time
	InactivityVersion int64
	HistoryVersion    int64 // optimistic CAS counter
	ActionStatuses    map[string]ActionStatus
}

// Phase is a named LLM behavior mode with trigger terms.
type Phase struct {
	ID           int64
	BotID        int64
	Name         string
	PromptText   string
	TriggerTerms []string
	Ordering     int
	IsGeneral    bool
}

// MediaKind enumerates the media types a Block may carry.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaVoice     MediaKind = "voice"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
)

// ContainerKind discriminates which owner a Block belongs to, a
// tagged-variant design that avoids polymorphic tables.
type ContainerKind string

const (
	ContainerStartTemplate      ContainerKind = "start_template"
	ContainerOfferPitch         ContainerKind = "offer_pitch"
	ContainerOfferDeliverable   ContainerKind = "offer_deliverable"
	ContainerOfferManualVerify  ContainerKind = "offer_manual_verification"
	ContainerAction             ContainerKind = "action"
	ContainerUpsellAnnouncement ContainerKind = "upsell_announcement"
	ContainerUpsellDeliverable  ContainerKind = "upsell_deliverable"
	ContainerRecoveryStep       ContainerKind = "recovery_step"
	ContainerNegotiatedDiscount ContainerKind = "negotiated_discount"
)

// Block is one ordered content fragment within a container.
type Block struct {
	ID                int64
	ContainerKind     ContainerKind
	ContainerID       int64
	Order             int
	Text              string
	MediaRef          string
	MediaKind         MediaKind
	DelaySeconds      int // 0..300
	AutoDeleteSeconds int // 0..86400
}

// MediaCacheEntry maps an original media identifier to the cached
// identifier the Telegram API returned on first successful send.
type MediaCacheEntry struct {
	BotID           int64
	OriginalMediaID string
	CachedMediaID   string
	UpdatedAt       time.Time
}

// Money represents an amount in minor currency units (cents).
type Money struct {
	AmountCents int64
	Currency    string // e.g. "BRL"
}

// Offer is a sellable item bound to at most one bot at a time (but
// reusable across bots).
type Offer struct {
	ID                  int64
	BotID               int64
	Name                string
	Price               Money
	ManualVerifyTrigger string
	DiscountTrigger     string
	IsActive            bool
}

// UpsellSchedule describes when an upsell fires.
type UpsellSchedule struct {
	Immediate bool
	Days      int
	Hours     int
	Minutes   int
}

// Upsell is a post-sale offer, either preset (trigger-activated) or
// scheduled relative to the originating sale.
type Upsell struct {
	ID                 int64
	BotID              int64
	Ordinal            int
	IsPreset           bool
	TriggerTerm        string
	PhasePrompt        string
	Price              Money
	Schedule           UpsellSchedule
	AnnouncementBlocks []Block
	DeliverableBlocks  []Block
}

// Action is a named trigger-library entry the LLM output can invoke.
type Action struct {
	ID         int64
	BotID      int64
	Name       string
	TrackUsage bool
	Blocks     []Block
}

// RecoveryCampaign is the single inactivity-recovery configuration per bot.
type RecoveryCampaign struct {
	BotID               int64
	InactivityThreshold time.Duration
	Timezone            string
	IgnorePayingUsers   bool
	IsActive            bool
	Version             int64
}

// ScheduleKind discriminates a RecoveryStep's schedule expression shape.
type ScheduleKind string

const (
	ScheduleRelative   ScheduleKind = "relative"    // 10m, 2h, 1d
	ScheduleNextDayAt  ScheduleKind = "next_day_at" // HH:MM
	ScheduleOffsetDays ScheduleKind = "offset_days" // +Nd HH:MM
)

// RecoveryStep is one ordinal step of a recovery campaign.
type RecoveryStep struct {
	CampaignBotID  int64
	Ordinal        int
	Kind           ScheduleKind
	RelativeAmount int
	RelativeUnit   string // m, h, d
	ClockHour      int
	ClockMinute    int
	OffsetDays     int
	Blocks         []Block
}

// RecoveryStepContainerID derives the synthetic container id a recovery
// step's blocks are stored under. Blocks are keyed by a single int64
// container id, but a recovery step's natural key is the composite
// (bot, ordinal); this packs both into one id (bot id in the high bits,
// ordinal in the low three decimal digits) rather than adding a
// surrogate id column recovery_steps has no other use for.
func RecoveryStepContainerID(botID int64, ordinal int) int64 {
	return botID*1000 + int64(ordinal)
}

// DeliveryStatus enumerates recovery/upsell/start delivery states.
type DeliveryStatus string

const (
	DeliveryScheduled DeliveryStatus = "scheduled"
	DeliverySent      DeliveryStatus = "sent"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// RecoveryDelivery is one scheduled/sent/skipped step execution, unique
// on (bot, user, campaign_version, episode_id, step_id).
type RecoveryDelivery struct {
	BotID           int64
	UserID          int64
	CampaignVersion int64
	EpisodeID       string
	StepOrdinal     int
	Status          DeliveryStatus
	ScheduledFor    time.Time
	SentAt          *time.Time
}

// TransactionStatus is the PIX transaction state machine.
type TransactionStatus string

const (
	TxCreated   TransactionStatus = "created"
	TxPending   TransactionStatus = "pending"
	TxPaid      TransactionStatus = "paid"
	TxDelivered TransactionStatus = "delivered"
	TxExpired   TransactionStatus = "expired"
	TxFailed    TransactionStatus = "failed"
)

// PixTransaction is a single payment attempt.
type PixTransaction struct {
	ID         int64
	BotID      int64
	UserID     int64
	OfferID    *int64
	UpsellID   *int64
	TrackerID  *int64
	Amount     Money
	Status     TransactionStatus
	ExternalID string
	CreatedAt  time.Time
	PaidAt     *time.Time
}

// NotificationStatus enumerates SaleNotification delivery outcomes.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationSkipped NotificationStatus = "skipped"
	NotificationFailed  NotificationStatus = "failed"
)

// SaleNotification enforces exactly-once admin notification per
// transaction via a unique constraint on TransactionID.
type SaleNotification struct {
	TransactionID int64
	OwnerAdminID  int64
	ChannelID     int64
	Status        NotificationStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreditCategory classifies a ledger entry.
type CreditCategory string

const (
	CategoryText    CreditCategory = "text"
	CategoryWhisper CreditCategory = "whisper"
	CategoryTopup   CreditCategory = "topup"
	CategoryRefund  CreditCategory = "refund"
)

// CreditWallet is an admin's prepaid balance.
type CreditWallet struct {
	AdminID      int64
	BalanceCents int64
	Unlimited    bool
}

// CreditLedgerEntry is one append-only ledger row.
type CreditLedgerEntry struct {
	ID         int64
	AdminID    int64
	DeltaCents int64
	Category   CreditCategory
	Ref        string
	Timestamp  time.Time
}

// Tracker is a short attribution code attached to a /start deep link.
type Tracker struct {
	ID       int64
	BotID    int64
	Code     string
	Name     string
	IsActive bool
}

// TrackerAttribution records the first tracker a user started with.
type TrackerAttribution struct {
	BotID          int64
	UserTelegramID int64
	TrackerID      int64
	Timestamp      time.Time
}

// TrackerDailyStat accumulates per-day attribution performance.
type TrackerDailyStat struct {
	BotID        int64
	TrackerID    int64
	Day          time.Time
	Starts       int64
	Sales        int64
	RevenueCents int64
}

// BotTrackingConfig controls whether unattributed /start is dropped
// and which start-template version is currently live for the bot.
type BotTrackingConfig struct {
	BotID               int64
	RequireTrackedStart bool
	CurrentVersion      int64
	LastForcedAt        *time.Time
}

// StartTemplateDelivery tracks the start-sequence version a user received.
type StartTemplateDelivery struct {
	BotID          int64
	UserTelegramID int64
	Version        int64
	Status         DeliveryStatus
	SentAt         *time.Time
}
