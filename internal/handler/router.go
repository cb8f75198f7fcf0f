package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/middleware"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

// Handlers bundles every HTTP handler mounted by RegisterRoutes.
type Handlers struct {
	Enrollments   *EnrollmentHandler
	Billing       *BillingHandler
	Credits       *CreditHandler
	WaitingList   *WaitingListHandler
	Transfers     *TransferHandler
	Registrations *AnnualRegistrationHandler
	Classes       *ClassHandler
	Sweeps        *SweepHandler
	Metrics       *MetricsHandler
}

// RegisterRoutes mounts the versioned API under prefix.
func RegisterRoutes(router *gin.Engine, prefix string, h Handlers, tokens middleware.TokenValidator) {
	router.GET("/health", h.Metrics.Health)
	router.GET("/ready", h.Metrics.Ready)
	router.GET("/metrics", h.Metrics.Prometheus)

	v1 := router.Group(prefix)

	// Public: gateway callbacks and signed certificate downloads carry their own proof.
	v1.POST("/payments/gateway/callback", h.Billing.GatewayCallback)
	v1.GET("/certificates/download", h.Enrollments.DownloadCertificate)
	v1.GET("/classes/:id/availability", h.Classes.Availability)

	authenticated := v1.Group("")
	authenticated.Use(middleware.JWT(tokens))
	staff := middleware.RequireRoles(models.StaffRoles...)

	enrollments := authenticated.Group("/enrollments")
	{
		enrollments.GET("", h.Enrollments.List)
		enrollments.POST("", h.Enrollments.Request)
		enrollments.GET("/:id", h.Enrollments.Get)
		enrollments.POST("/:id/cancel", h.Enrollments.Cancel)
		enrollments.POST("/:id/withdraw", h.Enrollments.Withdraw)
		enrollments.GET("/:id/certificate/url", h.Enrollments.CertificateURL)

		enrollments.POST("/:id/approve", staff, h.Enrollments.Approve)
		enrollments.POST("/:id/reject", staff, h.Enrollments.Reject)
		enrollments.POST("/:id/suspend", staff, h.Enrollments.Suspend)
		enrollments.POST("/:id/resume", staff, h.Enrollments.Resume)
		enrollments.POST("/:id/complete", staff, h.Enrollments.Complete)
		enrollments.PUT("/:id/attendance", staff, h.Enrollments.UpdateAttendance)
		enrollments.POST("/:id/certificate", staff, h.Enrollments.IssueCertificate)
		enrollments.DELETE("/:id", staff, h.Enrollments.Delete)
	}

	invoices := authenticated.Group("/invoices")
	{
		invoices.POST("", staff, h.Billing.CreateInvoice)
		invoices.GET("/:id", h.Billing.GetInvoice)
		invoices.POST("/:id/coupon", h.Billing.ApplyCoupon)
		invoices.GET("/:id/payments", h.Billing.ListPayments)
		invoices.POST("/:id/payments", h.Billing.RecordPayment)
	}

	payments := authenticated.Group("/payments")
	{
		payments.GET("/:id", h.Billing.GetPayment)
		payments.POST("/:id/cancel", h.Billing.CancelPayment)
		payments.POST("/:id/refund", staff, h.Billing.Refund)
	}

	credits := authenticated.Group("/credits/:studentId")
	credits.Use(middleware.RBAC(append(roleNames(models.StaffRoles), middleware.Self("studentId"))...))
	{
		credits.GET("", h.Credits.Balance)
		credits.GET("/transactions", h.Credits.Transactions)
		credits.GET("/statement", h.Credits.Statement)
		credits.POST("", staff, h.Credits.AddCredit)
	}

	classes := authenticated.Group("/classes/:id")
	{
		classes.POST("/waiting-list", h.WaitingList.Join)
		classes.GET("/waiting-list", staff, h.WaitingList.List)
	}
	authenticated.DELETE("/waiting-list/:id", h.WaitingList.Leave)

	transfers := authenticated.Group("/transfers")
	{
		transfers.GET("", h.Transfers.List)
		transfers.POST("", h.Transfers.Request)
		transfers.GET("/:id", h.Transfers.Get)
		transfers.POST("/:id/approve", staff, h.Transfers.Approve)
		transfers.POST("/:id/reject", staff, h.Transfers.Reject)
		transfers.POST("/:id/complete", staff, h.Transfers.Complete)
	}

	registrations := authenticated.Group("/annual-registrations")
	{
		registrations.POST("", h.Registrations.Create)
		registrations.GET("/:id", h.Registrations.Get)
		registrations.POST("/:id/submit", h.Registrations.Submit)
		registrations.POST("/:id/cancel", h.Registrations.Cancel)
		registrations.POST("/:id/verify-documents", staff, h.Registrations.VerifyDocuments)
		registrations.POST("/:id/activate", staff, h.Registrations.Activate)
	}

	admin := authenticated.Group("/admin")
	admin.Use(middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin))
	{
		admin.GET("/sweeps", h.Sweeps.List)
		admin.POST("/sweeps/:name", h.Sweeps.Run)
	}
}

func roleNames(roles []models.UserRole) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
