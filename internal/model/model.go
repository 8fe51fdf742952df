// Package model holds the entity structs for GitSwarm's data model (spec §3).
// Nullable columns are promoted to explicit pointer/option fields at this
// boundary rather than carried as sql.NullString through the rest of the
// codebase (spec §9 "heterogeneous row objects" re-architecture note).
package model

import "time"

type AccessLevel string

const (
	AccessNone     AccessLevel = "none"
	AccessRead     AccessLevel = "read"
	AccessWrite    AccessLevel = "write"
	AccessMaintain AccessLevel = "maintain"
	AccessAdmin    AccessLevel = "admin"
)

type OwnershipModel string

const (
	OwnershipSolo  OwnershipModel = "solo"
	OwnershipGuild OwnershipModel = "guild"
	OwnershipOpen  OwnershipModel = "open"
)

type MergeMode string

const (
	MergeSwarm  MergeMode = "swarm"
	MergeReview MergeMode = "review"
	MergeGated  MergeMode = "gated"
)

type RepoAccessMode string

const (
	AccessModePublic        RepoAccessMode = "public"
	AccessModeKarmaThresh   RepoAccessMode = "karma_threshold"
	AccessModeAllowlist     RepoAccessMode = "allowlist"
	AccessModeDefaultClosed RepoAccessMode = "default"
)

type ConsensusAuthority string

const (
	AuthorityLocal  ConsensusAuthority = "local"
	AuthorityServer ConsensusAuthority = "server"
)

type RepoStage string

const (
	StageSeed        RepoStage = "seed"
	StageGrowth      RepoStage = "growth"
	StageEstablished RepoStage = "established"
	StageMature      RepoStage = "mature"
)

type StreamStatus string

const (
	StreamActive    StreamStatus = "active"
	StreamInReview  StreamStatus = "in_review"
	StreamMerged    StreamStatus = "merged"
	StreamAbandoned StreamStatus = "abandoned"
	StreamReverted  StreamStatus = "reverted"
)

type ReviewStatus string

const (
	ReviewNone            ReviewStatus = "none"
	ReviewInReview        ReviewStatus = "in_review"
	ReviewApproved        ReviewStatus = "approved"
	ReviewChangesRequest  ReviewStatus = "changes_requested"
)

type StreamSource string

const (
	SourceCLI    StreamSource = "cli"
	SourceAPI    StreamSource = "api"
	SourceGithub StreamSource = "github_pr"
)

type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges  Verdict = "request_changes"
	VerdictComment         Verdict = "comment"
)

type MaintainerRole string

const (
	RoleOwner      MaintainerRole = "owner"
	RoleMaintainer MaintainerRole = "maintainer"
)

type DirectPush string

const (
	DirectPushNone        DirectPush = "none"
	DirectPushMaintainers DirectPush = "maintainers"
	DirectPushAll         DirectPush = "all"
)

type StabilizationResult string

const (
	StabilizationGreen StabilizationResult = "green"
	StabilizationRed   StabilizationResult = "red"
)

type PromotionTrigger string

const (
	TriggerAuto    PromotionTrigger = "auto"
	TriggerManual  PromotionTrigger = "manual"
	TriggerCouncil PromotionTrigger = "council"
)

type PluginTier string

const (
	TierAutomation PluginTier = "automation"
	TierAI         PluginTier = "ai"
	TierGovernance PluginTier = "governance"
)

type PluginStatus string

const (
	PluginExecuted    PluginStatus = "executed"
	PluginSkipped     PluginStatus = "skipped"
	PluginRateLimited PluginStatus = "rate_limited"
	PluginBlocked     PluginStatus = "blocked"
	PluginError       PluginStatus = "error"
)

type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is an autonomous or human actor known to a federation.
type Agent struct {
	ID           string
	Name         string
	SecretHash   string
	Karma        int
	Status       AgentStatus
	CreatedAt    time.Time
}

// Repository is the single federation-bound repo row.
type Repository struct {
	ID                 string
	DisplayName        string
	OwnershipModel     OwnershipModel
	MergeMode          MergeMode
	ConsensusThreshold float64
	MinReviews         int
	HumanReviewWeight  float64
	BufferBranch       string
	PromoteTarget      string
	StabilizeCommand   string
	AutoPromoteOnGreen bool
	AutoRevertOnRed    bool
	ConsensusAuthority ConsensusAuthority
	AccessMode         RepoAccessMode
	MinKarma           int
	Private            bool
	Stage              RepoStage
	ContributorCount   int
	PatchCount         int
}

type Maintainer struct {
	Repo  string
	Agent string
	Role  MaintainerRole
}

type ExplicitGrant struct {
	Repo       string
	Agent      string
	Level      AccessLevel
	ExpiresAt  *time.Time
}

type BranchRule struct {
	Repo            string
	Pattern         string
	Priority        int
	DirectPush      DirectPush
	RequiredApprovals int
	RequireTestsPass  bool
}

type Stream struct {
	ID           string
	Repo         string
	Owner        string
	Branch       string
	BaseBranch   string
	ParentStream *string
	Task         string
	Source       StreamSource
	Status       StreamStatus
	ReviewStatus ReviewStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type StreamCommit struct {
	Stream    string
	Agent     string
	CommitHash string
	ChangeID  string
	Message   string
	CreatedAt time.Time
}

type Review struct {
	Stream     string
	Reviewer   string
	Verdict    Verdict
	Feedback   string
	IsHuman    bool
	Tested     bool
	ReviewedAt time.Time
}

type MergeRecord struct {
	Repo         string
	Stream       string
	Agent        string
	MergeCommit  string
	TargetBranch string
	MergedAt     time.Time
}

type Stabilization struct {
	Repo           string
	Result         StabilizationResult
	Tag            *string
	BufferCommit   string
	BreakingStream *string
	Details        string
	At             time.Time
}

type Promotion struct {
	Repo        string
	FromBranch  string
	ToBranch    string
	FromCommit  string
	ToCommit    string
	TriggeredBy PromotionTrigger
	Agent       string
	At          time.Time
}

type SyncQueueEntry struct {
	Seq       int64
	EventType string
	Payload   string // opaque JSON, per spec §9
	Attempts  int
	LastError string
	CreatedAt time.Time
}

type PluginExecutionRecord struct {
	Repo        string
	Trigger     string
	Plugin      string
	Status      PluginStatus
	At          time.Time
	SafeOutputs string // opaque JSON snapshot
}

type StageHistoryEntry struct {
	Repo   string
	Stage  RepoStage
	Reason string
	At     time.Time
}

type ActivityLogEntry struct {
	Repo     string
	Kind     string
	Metadata string // opaque JSON, per spec §9
	At       time.Time
}
