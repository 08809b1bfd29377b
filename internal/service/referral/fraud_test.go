package referral

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchAutomation(t *testing.T) {
	for _, tt := range []struct {
		ua     string
		expect int
	}{
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) Safari/605.1.15", 0},
		{"Googlebot/2.1", 1},
		{"HeadlessChrome Puppeteer Selenium", 3},
		{"", 0},
	} {
		assert.Equal(t, tt.expect, MatchAutomation(tt.ua), tt.ua)
	}
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, RiskLevel(0))
	assert.Equal(t, RiskLow, RiskLevel(0.29))
	assert.Equal(t, RiskMedium, RiskLevel(0.3))
	assert.Equal(t, RiskMedium, RiskLevel(0.69))
	assert.Equal(t, RiskHigh, RiskLevel(0.7))
	assert.Equal(t, RiskHigh, RiskLevel(1))
}

func TestService_DetectFraudulentActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("three automation signatures", func(t *testing.T) {
		f := setup(t)

		fraud, err := f.service.DetectFraudulentActivity(ctx, f.referrer.ID, Click{
			IPAddress: "203.0.113.7",
			UserAgent: "HeadlessChrome Puppeteer Selenium",
		})
		require.NoError(t, err)

		assert.InDelta(t, 0.1, fraud.Score, 1e-9)
		assert.Equal(t, RiskLow, fraud.RiskLevel)
		assert.Equal(t, []string{"user_agent"}, fraud.Signals)
	})

	t.Run("unparseable address", func(t *testing.T) {
		f := setup(t)

		fraud, err := f.service.DetectFraudulentActivity(ctx, f.referrer.ID, Click{IPAddress: "not-an-ip"})
		require.NoError(t, err)

		assert.InDelta(t, 0.4, fraud.Score, 1e-9)
		assert.Equal(t, RiskMedium, fraud.RiskLevel)
	})

	t.Run("geo anomaly counts this click", func(t *testing.T) {
		f := setup(t)
		f.addClick(t, "DE", fixedNow.Add(-10*time.Minute))
		f.addClick(t, "FR", fixedNow.Add(-20*time.Minute))
		f.addClick(t, "BR", fixedNow.Add(-2*time.Hour))

		fraud, err := f.service.DetectFraudulentActivity(ctx, f.referrer.ID, Click{IPAddress: "203.0.113.7", Country: "DE"})
		require.NoError(t, err)
		assert.Zero(t, fraud.Score)

		fraud, err = f.service.DetectFraudulentActivity(ctx, f.referrer.ID, Click{IPAddress: "203.0.113.7", Country: "US"})
		require.NoError(t, err)
		assert.InDelta(t, 0.2, fraud.Score, 1e-9)
	})

	t.Run("click burst", func(t *testing.T) {
		f := setup(t)
		for i := 0; i < 10; i++ {
			f.addClick(t, "", fixedNow.Add(-time.Duration(i)*time.Second))
		}

		fraud, err := f.service.DetectFraudulentActivity(ctx, f.referrer.ID, Click{IPAddress: "203.0.113.7"})
		require.NoError(t, err)
		assert.InDelta(t, 0.1, fraud.Score, 1e-9)
		assert.Equal(t, []string{"click_burst"}, fraud.Signals)
	})

	t.Run("everything clamps to one", func(t *testing.T) {
		f := setup(t)
		for i, country := range []string{"DE", "FR", "BR", "JP", "US", "IT", "ES", "PL", "NL", "SE", "NO"} {
			f.addClick(t, country, fixedNow.Add(-time.Duration(i)*time.Second))
		}

		fraud, err := f.service.DetectFraudulentActivity(ctx, f.referrer.ID, Click{
			IPAddress: "",
			UserAgent: "bot crawler spider scraper headless selenium phantomjs puppeteer playwright",
			Country:   "CA",
		})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, fraud.Score, 1e-9)
		assert.Equal(t, RiskHigh, fraud.RiskLevel)
	})
}

func TestBoltReputation(t *testing.T) {
	ctx := context.Background()

	rep, err := OpenBoltReputation(filepath.Join(t.TempDir(), "reputation.db"))
	require.NoError(t, err)
	defer rep.Close()

	require.NoError(t, rep.Mark("198.51.100.0/24", 0.5))
	require.NoError(t, rep.Mark("198.51.100.23", 1))
	assert.Error(t, rep.Mark("nonsense", 1))

	for _, tt := range []struct {
		ip     string
		expect float64
	}{
		{"198.51.100.23", 1},
		{"198.51.100.24", 0.5},
		{"192.0.2.1", 0},
	} {
		risk, err := rep.Risk(net.ParseIP(tt.ip))
		require.NoError(t, err)
		assert.Equal(t, tt.expect, risk, tt.ip)
	}

	require.NoError(t, rep.Forget("198.51.100.23"))
	risk, err := rep.Risk(net.ParseIP("198.51.100.23"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, risk)

	f := setup(t)
	f.service.reputation = rep

	fraud, err := f.service.DetectFraudulentActivity(ctx, f.referrer.ID, Click{IPAddress: "198.51.100.23"})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, fraud.Score, 1e-9)
	assert.Equal(t, []string{"ip_reputation"}, fraud.Signals)
}

func (f fixture) addClick(t *testing.T, country string, at time.Time) {
	t.Helper()

	_, err := f.store.CreateReferralClick(context.Background(), repository.ReferralClick{
		ReferralID:        f.link.ID,
		ReferringClientID: f.referrer.ID,
		IPAddress:         "192.0.2.10",
		Country:           country,
		ClickedAt:         at,
	})
	require.NoError(t, err)
}
