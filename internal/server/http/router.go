package http

import (
	"github.com/freelancehub/creditengine/internal/server/http/adminapi"
	"github.com/freelancehub/creditengine/internal/server/http/ledgerapi"
	"github.com/freelancehub/creditengine/internal/server/http/middleware"
	"github.com/freelancehub/creditengine/internal/server/http/referralapi"
	"github.com/freelancehub/creditengine/internal/server/http/subscriptionapi"
	"github.com/labstack/echo/v4"
	mw "github.com/labstack/echo/v4/middleware"
)

const apiPrefix = "/api/billing/v1"

// WithBillingAPI setups client-facing billing routes
func WithBillingAPI(
	subscriptionHandler *subscriptionapi.Handler,
	ledgerHandler *ledgerapi.Handler,
	referralHandler *referralapi.Handler,
) Opt {
	return func(s *Server) {
		api := s.echo.Group(apiPrefix)

		// Catalog
		api.GET("/plans", subscriptionHandler.ListPlans)
		api.GET("/service-cost", ledgerHandler.GetServiceCost)
		api.GET("/discounts", ledgerHandler.GetApplicableDiscounts)

		// Subscriptions
		api.POST("/subscription", subscriptionHandler.CreateSubscription)

		subscriptionGroup := api.Group("/subscription/:subscriptionId")
		subscriptionGroup.GET("", subscriptionHandler.GetSubscription)
		subscriptionGroup.GET("/history", subscriptionHandler.GetHistory)
		subscriptionGroup.POST("/cancel", subscriptionHandler.CancelSubscription)
		subscriptionGroup.POST("/renew", subscriptionHandler.RenewSubscription)
		subscriptionGroup.POST("/change-plan", subscriptionHandler.ChangePlan)
		subscriptionGroup.POST("/pause", subscriptionHandler.PauseSubscription)
		subscriptionGroup.POST("/resume", subscriptionHandler.ResumeSubscription)

		// Credits
		subscriptionGroup.GET("/balance", ledgerHandler.GetBalance)
		subscriptionGroup.POST("/consume", ledgerHandler.Consume)
		subscriptionGroup.GET("/consumptions", ledgerHandler.ListConsumptions)
		subscriptionGroup.POST("/referral-credit/:creditId/consume", ledgerHandler.ConsumeReferralCredit)

		// Referrals
		api.POST("/referral", referralHandler.CreateLink)
		api.GET("/referral/client/:clientId", referralHandler.ListReferrals)
		api.GET("/referral/:referralId", referralHandler.GetReferral)
		api.GET("/referral/:referralId/analytics", referralHandler.GetAnalytics)
		api.POST("/referral/complete", referralHandler.Complete)

		// Clicks come from anonymous visitors (rate limited to prevent abuse)
		clickRL := mw.NewRateLimiterMemoryStore(20) // 20 requests per second
		api.POST("/referral/click", referralHandler.TrackClick, mw.RateLimiter(clickRL))
	}
}

// WithPaymentWebhook setups the payment gateway webhook. Requests are
// authenticated by signature instead of the admin key.
func WithPaymentWebhook(subscriptionHandler *subscriptionapi.Handler) Opt {
	return func(s *Server) {
		s.echo.POST(apiPrefix+"/payment-event", subscriptionHandler.ReceivePaymentEvent)
	}
}

// WithAdminAPI setups operator routes guarded by the admin API key
func WithAdminAPI(cfg Config, adminHandler *adminapi.Handler, referralHandler *referralapi.Handler) Opt {
	return func(s *Server) {
		admin := s.echo.Group(apiPrefix+"/admin", middleware.GuardsAdmin(cfg.AdminAPIKey))

		setupAdminRoutes(admin, adminHandler, referralHandler)
	}
}

func setupAdminRoutes(g *echo.Group, adminHandler *adminapi.Handler, referralHandler *referralapi.Handler) {
	g.PUT("/plan/:planId", adminHandler.UpsertPlan)

	g.GET("/credit-value", adminHandler.ListCreditValues)
	g.PUT("/credit-value/:serviceType", adminHandler.UpsertCreditValue)

	g.POST("/discount", adminHandler.CreateDiscount)

	g.POST("/referral/:referralId/reward", referralHandler.ProcessReward)

	g.GET("/job", adminHandler.ListJobs)
	g.POST("/job", adminHandler.RunSchedulerJob)
}
