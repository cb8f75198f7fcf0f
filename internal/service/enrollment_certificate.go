package service

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/pkg/certificate"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

type certificateRenderer interface {
	Render(data certificate.Data) ([]byte, error)
}

type artifactStore interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type downloadSigner interface {
	Generate(ownerID, relPath string) (string, time.Time, error)
	Parse(token string) (ownerID, relPath string, expiresAt time.Time, err error)
}

// WithCertificates enables certificate rendering, storage and signed downloads.
func (s *EnrollmentService) WithCertificates(renderer certificateRenderer, artifacts artifactStore, signer downloadSigner) *EnrollmentService {
	s.renderer = renderer
	s.artifacts = artifacts
	s.signer = signer
	return s
}

// IssueCertificate stamps a certificate number on a COMPLETED enrollment with sufficient
// attendance and renders the PDF after commit. Re-issuing returns the existing certificate and
// retries rendering when the earlier attempt left no file.
func (s *EnrollmentService) IssueCertificate(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if !s.cfg.CertificatesEnabled {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "certificates are disabled")
	}

	issued := false
	var enrollment *models.Enrollment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		enrollment, err = s.enrollments.LockByID(ctx, exec, id)
		if err != nil {
			return notFoundOr(err, "enrollment not found", "failed to lock enrollment")
		}
		if enrollment.CertificateNumber != nil {
			return nil
		}
		if enrollment.Status != models.EnrollmentStatusCompleted {
			return appErrors.Clone(appErrors.ErrCertificateNotEligible, "enrollment is not completed")
		}
		if enrollment.AttendanceRate.LessThan(s.cfg.MinAttendance) {
			return appErrors.Clone(appErrors.ErrCertificateNotEligible, "attendance below "+s.cfg.MinAttendance.String()+"%")
		}
		now := s.now()
		number, err := nextDocumentNumber(ctx, exec, s.sequences, models.PrefixCertificate, now)
		if err != nil {
			return internalError(err, "failed to allocate certificate number")
		}
		enrollment.CertificateNumber = &number
		enrollment.CertificateIssuedAt = timePtr(now)
		if err := s.enrollments.Update(ctx, exec, enrollment); err != nil {
			return internalError(err, "failed to stamp certificate")
		}
		issued = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if enrollment.CertificateFile == nil {
		s.renderCertificate(ctx, enrollment)
	}
	if issued {
		s.notifier.Notify(ctx, enrollment.StudentID, models.TemplateCertificateIssued, map[string]interface{}{
			"enrollment_number":  enrollment.EnrollmentNumber,
			"certificate_number": *enrollment.CertificateNumber,
		})
	}
	return enrollment, nil
}

// renderCertificate writes the PDF and records its path. Failures are logged; the number stays
// stamped and a later IssueCertificate call retries.
func (s *EnrollmentService) renderCertificate(ctx context.Context, enrollment *models.Enrollment) {
	if s.renderer == nil || s.artifacts == nil {
		return
	}
	logger := s.logger.With(zap.String("enrollment_id", enrollment.ID), zap.String("certificate_number", *enrollment.CertificateNumber))

	className := enrollment.ClassID
	if class, err := s.classes.FindByID(ctx, enrollment.ClassID); err == nil {
		className = class.Name
	}
	pdf, err := s.renderer.Render(certificate.Data{
		Number:         *enrollment.CertificateNumber,
		StudentName:    enrollment.StudentID,
		ClassName:      className,
		AttendanceRate: enrollment.AttendanceRate.StringFixed(1) + "%",
		IssuedAt:       *enrollment.CertificateIssuedAt,
	})
	if err != nil {
		logger.Warn("certificate render failed", zap.Error(err))
		return
	}
	path, err := s.artifacts.Save("certificates/"+*enrollment.CertificateNumber+".pdf", pdf)
	if err != nil {
		logger.Warn("certificate store failed", zap.Error(err))
		return
	}
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		locked, err := s.enrollments.LockByID(ctx, exec, enrollment.ID)
		if err != nil {
			return err
		}
		locked.CertificateFile = &path
		return s.enrollments.Update(ctx, exec, locked)
	})
	if err != nil {
		logger.Warn("certificate path update failed", zap.Error(err))
		return
	}
	enrollment.CertificateFile = &path
}

// CertificateDownloadURL returns a signed, expiring link to the certificate PDF.
func (s *EnrollmentService) CertificateDownloadURL(ctx context.Context, actor models.Actor, id string) (*dto.CertificateURLResponse, error) {
	enrollment, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if enrollment.CertificateNumber == nil || enrollment.CertificateFile == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "certificate not available")
	}
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "certificate downloads are disabled")
	}
	token, expiresAt, err := s.signer.Generate(enrollment.StudentID, *enrollment.CertificateFile)
	if err != nil {
		return nil, internalError(err, "failed to sign certificate link")
	}
	return &dto.CertificateURLResponse{
		CertificateNumber: *enrollment.CertificateNumber,
		Token:             token,
		URL:               s.cfg.CertificateURLBase + "?token=" + url.QueryEscape(token),
		ExpiresAt:         expiresAt.UTC().Format(time.RFC3339),
	}, nil
}

// OpenCertificate resolves a signed token into the stored PDF. The caller closes the file.
func (s *EnrollmentService) OpenCertificate(ctx context.Context, token string) (*os.File, error) {
	if s.signer == nil || s.artifacts == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "certificate downloads are disabled")
	}
	_, path, _, err := s.signer.Parse(token)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired download token")
	}
	file, err := s.artifacts.Open(path)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "certificate file not found")
	}
	return file, nil
}
