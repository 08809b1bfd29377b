package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusExpired  SubscriptionStatus = "EXPIRED"
	SubscriptionStatusPaused   SubscriptionStatus = "PAUSED"
)

type ReferralCreditStatus string

const (
	ReferralCreditStatusActive  ReferralCreditStatus = "ACTIVE"
	ReferralCreditStatusUsed    ReferralCreditStatus = "USED"
	ReferralCreditStatusExpired ReferralCreditStatus = "EXPIRED"
)

type CreditType string

const (
	CreditTypeBase     CreditType = "BASE"
	CreditTypeReferral CreditType = "REFERRAL"
)

type DiscountType string

const (
	DiscountTypePercent DiscountType = "PERCENT"
	DiscountTypeFixed   DiscountType = "FIXED"
)

type DiscountTarget string

const (
	DiscountTargetPlans    DiscountTarget = "PLANS"
	DiscountTargetServices DiscountTarget = "SERVICES"
)

type ReferralStatus string

const (
	ReferralStatusPending   ReferralStatus = "pending"
	ReferralStatusCompleted ReferralStatus = "completed"
)

type Client struct {
	ID        int64
	UUID      uuid.UUID
	Email     string
	Name      string
	Country   string
	CreatedAt time.Time
}

type Plan struct {
	ID              string
	Name            string
	PriceID         string
	Price           decimal.Decimal
	Credits         int64
	BrandsLimit     int32
	BillingInterval string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PricingTier is one volume threshold of a credit value. Stored as jsonb.
type PricingTier struct {
	Threshold       int64           `json:"threshold"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Name            string          `json:"name,omitempty"`
}

type CreditValue struct {
	ID             int64
	ServiceType    string
	CreditsPerUnit decimal.Decimal
	BaseUnit       string
	MinUnits       int64
	MaxUnits       sql.NullInt64
	TieredPricing  []PricingTier
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Subscription struct {
	ID                  int64
	UUID                uuid.UUID
	ClientID            int64
	PlanID              string
	PriceID             string
	CustomCredits       sql.NullInt64
	Status              SubscriptionStatus
	CurrentPeriodStart  time.Time
	CurrentPeriodEnd    time.Time
	BaseCreditsUsed     int64
	ReferralCreditsUsed int64
	BrandsUsed          int32
	CancelledAt         sql.NullTime
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type SubscriptionHistory struct {
	ID                  int64
	SubscriptionID      int64
	ClientID            int64
	PlanID              string
	Status              SubscriptionStatus
	PeriodStart         time.Time
	PeriodEnd           time.Time
	BaseCreditsUsed     int64
	ReferralCreditsUsed int64
	BrandsUsed          int32
	Reason              string
	CreatedAt           time.Time
}

type ReferralCredit struct {
	ID                int64
	SubscriptionID    int64
	CreditAmount      int64
	ReferralDate      time.Time
	ExpiresAt         time.Time
	ReferredUserEmail string
	Status            ReferralCreditStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CreditConsumption struct {
	ID               int64
	SubscriptionID   int64
	ServiceType      string
	Units            int64
	CreditRate       decimal.Decimal
	TotalCredits     int64
	DiscountApplied  int64
	CreditType       CreditType
	ReferralCreditID sql.NullInt64
	Description      string
	CreatedAt        time.Time
}

// HolidayRule boosts a discount on a given date. Date is YYYY-MM-DD.
type HolidayRule struct {
	Date       string          `json:"date"`
	Recurring  bool            `json:"recurring"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

type Discount struct {
	ID           int64
	Code         sql.NullString
	Type         DiscountType
	Value        decimal.Decimal
	MaxDiscount  decimal.NullDecimal
	AppliesTo    DiscountTarget
	PlanIDs      []string
	ServiceTypes []string
	ValidFrom    sql.NullTime
	ValidUntil   sql.NullTime
	MaxUses      sql.NullInt32
	UserMaxUses  sql.NullInt32
	HolidayRules []HolidayRule
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type DiscountRedemption struct {
	ID             int64
	DiscountID     int64
	ClientID       int64
	SubscriptionID sql.NullInt64
	CreditValueID  sql.NullInt64
	AppliedAmount  decimal.Decimal
	CreatedAt      time.Time
}

type Referral struct {
	ID                int64
	UUID              uuid.UUID
	ReferringClientID int64
	ReferredClientID  sql.NullInt64
	ReferralCode      string
	ReferralLink      string
	CouponCode        string
	Status            ReferralStatus
	IsCompleted       bool
	DiscountApplied   bool
	DiscountCredits   int64
	RewardsEarned     int64
	LinkClicks        int32
	Signups           int32
	IPAddress         string
	ReferralDate      time.Time
	LastClickedAt     sql.NullTime
	CompletedAt       sql.NullTime
	ExpiresAt         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ReferralClick struct {
	ID                int64
	ReferralID        int64
	ReferringClientID int64
	IPAddress         string
	UserAgent         string
	Country           string
	Fingerprint       string
	FraudScore        float64
	RiskLevel         string
	Converted         bool
	ClickedAt         time.Time
}

type ReferralAnalytics struct {
	ReferralID           int64
	LinkClicks           int32
	Signups              int32
	ConversionRate       float64
	TimeToConversionDays sql.NullInt32
	UpdatedAt            time.Time
}

type CreditTransaction struct {
	ID             int64
	ClientID       int64
	SubscriptionID int64
	ReferralID     sql.NullInt64
	Amount         int64
	Type           string
	Description    string
	CreatedAt      time.Time
}
