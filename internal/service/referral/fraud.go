package referral

import (
	"context"
	"math"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Risk levels
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const (
	ipWeight       = 0.4
	agentWeight    = 0.3
	geoWeight      = 0.2
	temporalWeight = 0.1

	geoWindow         = time.Hour
	geoCountries      = 3
	temporalWindow    = 5 * time.Minute
	temporalMaxClicks = 10
)

var automationSignatures = []string{
	"bot",
	"crawler",
	"spider",
	"scraper",
	"headless",
	"selenium",
	"phantomjs",
	"puppeteer",
	"playwright",
}

type Click struct {
	Code      string
	IPAddress string
	UserAgent string
	Country   string
}

type Fraud struct {
	Score     float64  `json:"score"`
	RiskLevel string   `json:"risk_level"`
	Signals   []string `json:"signals,omitempty"`
}

// DetectFraudulentActivity scores a click of referringClientID's link. The
// score is advisory and never blocks tracking.
func (s *Service) DetectFraudulentActivity(ctx context.Context, referringClientID int64, click Click) (Fraud, error) {
	var fraud Fraud

	ipRisk, err := s.ipRisk(click.IPAddress)
	if err != nil {
		return Fraud{}, err
	}
	if ipRisk > 0 {
		fraud.Score += ipWeight * ipRisk
		fraud.Signals = append(fraud.Signals, "ip_reputation")
	}

	if matched := MatchAutomation(click.UserAgent); matched > 0 {
		fraud.Score += agentWeight * float64(matched) / float64(len(automationSignatures))
		fraud.Signals = append(fraud.Signals, "user_agent")
	}

	now := s.now()

	countries, err := s.store.ListClickCountriesSince(ctx, referringClientID, now.Add(-geoWindow))
	if err != nil {
		return Fraud{}, errors.Wrap(err, "failed to list click countries")
	}
	if distinctCountries(countries, click.Country) >= geoCountries {
		fraud.Score += geoWeight
		fraud.Signals = append(fraud.Signals, "geo_anomaly")
	}

	recent, err := s.store.CountClicksSince(ctx, referringClientID, now.Add(-temporalWindow))
	if err != nil {
		return Fraud{}, errors.Wrap(err, "failed to count recent clicks")
	}
	if recent+1 > temporalMaxClicks {
		fraud.Score += temporalWeight
		fraud.Signals = append(fraud.Signals, "click_burst")
	}

	fraud.Score = math.Min(math.Max(fraud.Score, 0), 1)
	fraud.RiskLevel = RiskLevel(fraud.Score)

	return fraud, nil
}

// RiskLevel buckets a fraud score.
func RiskLevel(score float64) string {
	switch {
	case score >= 0.7:
		return RiskHigh
	case score >= 0.3:
		return RiskMedium
	default:
		return RiskLow
	}
}

// MatchAutomation counts automation signatures found in a user agent.
func MatchAutomation(userAgent string) int {
	ua := strings.ToLower(userAgent)

	matched := 0
	for _, signature := range automationSignatures {
		if strings.Contains(ua, signature) {
			matched++
		}
	}

	return matched
}

// ipRisk returns 1 for addresses that do not parse.
func (s *Service) ipRisk(address string) (float64, error) {
	ip := net.ParseIP(strings.TrimSpace(address))
	if ip == nil {
		return 1, nil
	}

	if s.reputation == nil {
		return 0, nil
	}

	risk, err := s.reputation.Risk(ip)
	if err != nil {
		return 0, errors.Wrap(err, "failed to look up ip reputation")
	}

	return math.Min(math.Max(risk, 0), 1), nil
}

func distinctCountries(seen []string, current string) int {
	set := make(map[string]struct{}, len(seen)+1)
	for _, c := range seen {
		set[strings.ToUpper(c)] = struct{}{}
	}
	if current != "" {
		set[strings.ToUpper(current)] = struct{}{}
	}

	return len(set)
}
