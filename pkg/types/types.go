package types

import (
	"fmt"
	"time"
)

// DateLayout is the canonical trade date format.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a trade date, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

// DateRange is an inclusive range of trade dates.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Empty reports whether the range contains no days.
func (r DateRange) Empty() bool {
	return r.Start.IsZero() || r.End.IsZero() || r.End.Before(r.Start)
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d time.Time) bool {
	return !r.Empty() && !d.Before(r.Start) && !d.After(r.End)
}

// Days is the number of calendar days spanned, inclusive.
func (r DateRange) Days() int {
	if r.Empty() {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

func (r DateRange) String() string {
	return FormatDate(r.Start) + ".." + FormatDate(r.End)
}

// RawPriceRecord is one provider's observation of a ticker on a trade date.
type RawPriceRecord struct {
	Provider   string      `json:"provider"`
	Ticker     string      `json:"ticker"`
	TradeDate  time.Time   `json:"tradeDate"`
	Close      *float64    `json:"close,omitempty"`
	AdjClose   *float64    `json:"adjClose,omitempty"`
	Status     PriceStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	IngestedAt time.Time   `json:"ingestedAt"`
}

// NonNullPrices counts the populated price fields.
func (r RawPriceRecord) NonNullPrices() int {
	n := 0
	if r.Close != nil {
		n++
	}
	if r.AdjClose != nil {
		n++
	}
	return n
}

// CanonicalPriceRecord is the reconciled price for a ticker/day.
type CanonicalPriceRecord struct {
	Ticker         string           `json:"ticker"`
	TradeDate      time.Time        `json:"tradeDate"`
	Close          *float64         `json:"close,omitempty"`
	AdjClose       *float64         `json:"adjClose,omitempty"`
	NProviders     int              `json:"nProviders"`
	Quality        CanonicalQuality `json:"quality"`
	SourceProvider string           `json:"sourceProvider"`
	SourceIngested time.Time        `json:"sourceIngestedAt"`
	Override       bool             `json:"override,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// PriceForCalc returns the adjusted close, falling back to close.
func (c CanonicalPriceRecord) PriceForCalc() (float64, bool) {
	if c.AdjClose != nil {
		return *c.AdjClose, true
	}
	if c.Close != nil {
		return *c.Close, true
	}
	return 0, false
}

// Rebalance is one constituent's share count from a rebalance event.
type Rebalance struct {
	RebalanceDate time.Time `json:"rebalanceDate" yaml:"-"`
	Ticker        string    `json:"ticker" yaml:"ticker"`
	Shares        float64   `json:"shares" yaml:"shares"`
}

// ConstituentDaily is a constituent's state on a trade date.
type ConstituentDaily struct {
	TradeDate     time.Time    `json:"tradeDate"`
	Ticker        string       `json:"ticker"`
	RebalanceDate time.Time    `json:"rebalanceDate"`
	Shares        float64      `json:"shares"`
	PriceUsed     float64      `json:"priceUsed"`
	MarketValue   float64      `json:"marketValue"`
	Weight        float64      `json:"weight"`
	PriceQuality  PriceQuality `json:"priceQuality"`
}

// ContributionDaily is a constituent's contribution to the index return on a trade date.
type ContributionDaily struct {
	TradeDate    time.Time `json:"tradeDate"`
	Ticker       string    `json:"ticker"`
	WeightPrev   float64   `json:"weightPrev"`
	Ret1D        float64   `json:"ret1d"`
	Contribution float64   `json:"contribution"`
}

// IndexLevel is the total-return level on a trade date.
type IndexLevel struct {
	TradeDate time.Time `json:"tradeDate"`
	LevelTR   float64   `json:"levelTr"`
}

// StatsDaily holds the risk statistics for a trade date. Nil means not enough history.
type StatsDaily struct {
	TradeDate       time.Time `json:"tradeDate"`
	Ret1D           *float64  `json:"ret1d,omitempty"`
	Ret5D           *float64  `json:"ret5d,omitempty"`
	Ret20D          *float64  `json:"ret20d,omitempty"`
	Vol20D          *float64  `json:"vol20d,omitempty"`
	MaxDrawdown252D *float64  `json:"maxDrawdown252d,omitempty"`
	NConstituents   int       `json:"nConstituents"`
	NImputed        int       `json:"nImputed"`
	Top5Weight      float64   `json:"top5Weight"`
	Herfindahl      float64   `json:"herfindahl"`
}

// CalcDay bundles everything the calculator persists for one trade date. The store
// writes constituents and contributions before the level.
type CalcDay struct {
	TradeDate     time.Time
	Constituents  []ConstituentDaily
	Contributions []ContributionDaily
	Level         IndexLevel
	Stats         StatsDaily
}

// JobRun is an append-only audit row for one invocation of a job.
type JobRun struct {
	RunID       string     `json:"runId"`
	JobName     string     `json:"jobName"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	ErrorDetail string     `json:"errorDetail,omitempty"`
}

// TableMaxDates are the max trade dates of the pipeline's output tables.
type TableMaxDates struct {
	Calendar  time.Time `json:"calendar"`
	Canonical time.Time `json:"canonical"`
	Levels    time.Time `json:"levels"`
	Stats     time.Time `json:"stats"`
}

// HealthSnapshot is the single current-state record written after every pipeline run.
type HealthSnapshot struct {
	RunID                  string                  `json:"runId"`
	Status                 JobStatus               `json:"status"`
	UpdatedAt              time.Time               `json:"updatedAt"`
	MaxDates               TableMaxDates           `json:"maxDates"`
	NextMissingTradingDay  time.Time               `json:"nextMissingTradingDay"`
	StageDurations         map[Stage]time.Duration `json:"stageDurations"`
	StageOutcomes          map[Stage]string        `json:"stageOutcomes"`
	LastError              string                  `json:"lastError,omitempty"`
	CalendarBehindProvider bool                    `json:"calendarBehindProvider"`
	BudgetExhausted        bool                    `json:"budgetExhausted"`
	IncompleteDays         int                     `json:"incompleteDays"`
}

// TickerRename records an executed ticker rename migration.
type TickerRename struct {
	FromTicker string    `json:"fromTicker"`
	ToTicker   string    `json:"toTicker"`
	ExecutedAt time.Time `json:"executedAt"`
	RowsMoved  int       `json:"rowsMoved"`
	Collisions int       `json:"collisions"`
}

// RenameCollision records one key present under both tickers and how it was resolved.
type RenameCollision struct {
	Table      string    `json:"table"`
	Key        string    `json:"key"`
	Resolution string    `json:"resolution"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Alert represents an alert event to be dispatched.
type Alert struct {
	Level     AlertLevel             `json:"level"`
	Job       string                 `json:"job,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// QuotaLimits are a provider's configured call limits.
type QuotaLimits struct {
	Daily       int `json:"daily"`
	DailyBuffer int `json:"dailyBuffer"`
	Minute      int `json:"minute"`
}

// QuotaUsage is the persisted call count in the current day and minute windows.
type QuotaUsage struct {
	Provider   string    `json:"provider"`
	UsedToday  int       `json:"usedToday"`
	MinuteUsed int       `json:"minuteUsed"`
	AsOf       time.Time `json:"asOf"`
}

// PriceKey identifies a ticker on a trade date.
type PriceKey struct {
	Ticker    string    `json:"ticker"`
	TradeDate time.Time `json:"tradeDate"`
}

func (k PriceKey) String() string {
	return k.Ticker + "@" + FormatDate(k.TradeDate)
}

// RetryPolicy defines how a failed provider call is retried.
type RetryPolicy struct {
	MaxAttempts       int               `yaml:"maxAttempts" json:"maxAttempts"`
	BackoffSeconds    float64           `yaml:"backoffSeconds" json:"backoffSeconds"`
	BackoffMultiplier float64           `yaml:"backoffMultiplier,omitempty" json:"backoffMultiplier,omitempty"`
	RetryableFailures []FailureCategory `yaml:"retryableFailures,omitempty" json:"retryableFailures,omitempty"`
}
